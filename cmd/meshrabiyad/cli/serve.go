package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dreadstar/meshrabiyad/pkg/blobstore"
	"github.com/dreadstar/meshrabiyad/pkg/config"
	"github.com/dreadstar/meshrabiyad/pkg/delegation"
	"github.com/dreadstar/meshrabiyad/pkg/gossip"
	"github.com/dreadstar/meshrabiyad/pkg/receiptstore"
	"github.com/dreadstar/meshrabiyad/pkg/scheduler"
	"github.com/dreadstar/meshrabiyad/pkg/server"
	"github.com/dreadstar/meshrabiyad/pkg/server/handlers"
	"github.com/dreadstar/meshrabiyad/pkg/signer"
	"github.com/dreadstar/meshrabiyad/pkg/worker"
)

var (
	flagListenAddr string
	flagTestMode   bool
	flagParticipating bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the blob replication daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListenAddr, "listen-addr", "127.0.0.1:0", "loopback upload endpoint listen address")
	cobra.CheckErr(viper.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen-addr")))

	serveCmd.Flags().BoolVar(&flagTestMode, "test-mode", false, "synthesise replication results deterministically, without a live transport")
	cobra.CheckErr(viper.BindPFlag("test_mode", serveCmd.Flags().Lookup("test-mode")))

	serveCmd.Flags().BoolVar(&flagParticipating, "participating", true, "accept delegated uploads from peers")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg := config.Load(viper.GetViper())
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	sgnr, err := signer.NewEd25519FileSigner(filepath.Join(cfg.DataDir, "identity.pem"))
	if err != nil {
		return fmt.Errorf("loading signer: %w", err)
	}

	receiptsOpts := []receiptstore.Option{}
	if cfg.AllowDevReceiptFallback {
		receiptsOpts = append(receiptsOpts, receiptstore.AllowDevFallback())
	}
	receipts, err := receiptstore.New(filepath.Join(cfg.DataDir, "receipts.txt"), receiptsOpts...)
	if err != nil {
		return fmt.Errorf("opening receipt ledger: %w", err)
	}

	token, err := loadOrCreateToken(filepath.Join(cfg.DataDir, "local_token"))
	if err != nil {
		return fmt.Errorf("loading local token: %w", err)
	}

	bus := gossip.NewMMCPBus(signer.Verify)
	orchestrator := delegation.New(bus, sgnr, delegation.WithOfferWindow(cfg.OfferWindow))
	w := worker.New(orchestrator, bus, sgnr, worker.Config{
		OfferWindow:     cfg.OfferWindow,
		ReplicationWait: cfg.ReplicationWait,
		ResultPoll:      cfg.ResultPoll,
		LocalAuthToken:  token,
		TestMode:        cfg.TestMode,
	})
	sched := scheduler.New(w.Run, scheduler.DefaultConfig())

	store, err := blobstore.New(cfg.DataDir, sgnr, receipts, sched,
		blobstore.WithMaxBlobSize(cfg.MaxBlobSize),
		blobstore.WithMaxRangeBytes(cfg.MaxRangeBytes),
	)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	var participating atomic.Bool
	participating.Store(flagParticipating)

	pub, _ := sgnr.PublicKeyB64()
	h := &handlers.Handlers{
		Store:         store,
		Participating: participating.Load,
		Identity:      handlers.Identity{OnionPubKey: pub},
	}

	srv := server.New(server.Config{LocalToken: token, ListenAddr: cfg.ListenAddr}, h)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting loopback server: %w", err)
	}
	h.SelfUploadEndpoint = fmt.Sprintf("http://%s/store", srv.Addr())

	pending, err := scheduler.FindPending(cfg.DataDir)
	if err != nil {
		log.Warnw("bootstrap sweep failed", "error", err)
	}
	for _, jobPath := range pending {
		if err := sched.Schedule(jobPath); err != nil {
			log.Warnw("failed to re-enqueue pending job", "job", jobPath, "error", err)
		}
	}
	log.Infow("meshrabiyad ready", "data_dir", cfg.DataDir, "addr", srv.Addr(), "bootstrap_pending", len(pending))

	<-ctx.Done()
	log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
