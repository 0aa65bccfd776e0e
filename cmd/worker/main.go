package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/go-github/v66/github"

	"repro-screening/internal/archive"
	"repro-screening/internal/attachment"
	"repro-screening/internal/build"
	"repro-screening/internal/config"
	"repro-screening/internal/jobs"
	"repro-screening/internal/lock"
	"repro-screening/internal/notify"
	"repro-screening/internal/objectstore"
	"repro-screening/internal/queue"
	"repro-screening/internal/screening"
	"repro-screening/internal/store"
	"repro-screening/internal/telemetry"
	"repro-screening/internal/thread"
	workerproc "repro-screening/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")

	deps := jobs.Deps{
		Reporter:  st,
		Community: cfg.ArchiveCommunity,
		SoftLimit: cfg.SoftTimeLimit,
		Logger:    logger,
	}

	var gh *github.Client
	if cfg.ReviewRepository != "" {
		svc, err := thread.NewGitHub(cfg.GitHubToken, cfg.GitHubAPIURL, cfg.ReviewRepository)
		if err != nil {
			log.Fatalf("github: %v", err)
		}
		renderer, err := thread.NewRenderer(cfg.ThreadTimezone)
		if err != nil {
			log.Fatalf("renderer: %v", err)
		}
		deps.Thread = thread.NewClient(svc, renderer, logger)
		gh = svc.Client()
	}
	if cfg.AttachmentBackend != "gist" || gh != nil {
		uploader, err := attachment.New(ctx, cfg, gh)
		if err != nil {
			log.Fatalf("attachments: %v", err)
		}
		deps.Attachments = uploader
	}
	if cfg.SMTPAddr != "" {
		deps.Mailer = notify.NewSMTP(cfg)
	}

	layout := screening.Layout{
		BookRoot:        cfg.BookRoot,
		DataRoot:        cfg.DataRoot,
		PublicRoot:      cfg.PublicRoot,
		ProductionOwner: cfg.ProductionOwner,
	}
	runtime := build.NewDockerCLI(cfg.DockerBin)
	images := &build.Images{
		Registry:    build.NewCraneRegistry(),
		Runtime:     runtime,
		RegistryURL: cfg.RegistryURL,
		Prefix:      cfg.ImagePrefix,
		BaseImage:   cfg.BaseImage,
		Layout:      layout,
		Logger:      logger,
	}
	resolver := &build.Resolver{
		Layout:   layout,
		Images:   images,
		Runtime:  runtime,
		Ports:    build.NewPorts(cfg.PortRangeStart, cfg.PortRangeEnd, cfg.PortReleaseBin),
		Command:  cfg.BuildCommand,
		BookPath: "/home/jovyan/book",
		DataPath: "/home/jovyan/data",
		Logger:   logger,
	}
	mirrorCfg := objectstore.Config{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		Region:    cfg.S3Region,
		UseSSL:    cfg.MinIOUseSSL,
	}
	if mirrorCfg.Enabled() {
		mirror, err := objectstore.New(mirrorCfg)
		if err != nil {
			log.Fatalf("minio: %v", err)
		}
		if err := mirror.EnsureBucket(ctx); err != nil {
			log.Fatalf("minio bucket: %v", err)
		}
		resolver.Mirror = mirror
	}
	deps.Builder = resolver
	if cfg.BuildServiceURL != "" {
		deps.Provisioner = &build.Provisioner{
			Client: build.NewStreamClient(cfg.BuildServiceURL, nil),
			Guard:  lock.New(cfg.LockDir, cfg.LockStaleAfter),
			Layout: layout,
		}
	}

	if cfg.ArchiveToken != "" {
		packager := archive.NewPackager(layout, cfg.DockerBin, images.Ref)
		deps.Archive = archive.NewPipeline(archive.NewClient(cfg.ArchiveAPIURL, cfg.ArchiveToken, nil), st, packager, logger)
	}

	processor := workerproc.NewProcessorWithID(cfg, q, st, workerID, logger)
	jobs.NewRunner(deps).Register(processor)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with soft=%s hard=%s visibility=%s", workerID, cfg.SoftTimeLimit, cfg.HardTimeLimit, cfg.VisibilityTimeout)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
