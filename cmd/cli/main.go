package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/chunkmerge/config"
	"github.com/jaywantadh/chunkmerge/internal/chunker"
	"github.com/jaywantadh/chunkmerge/internal/encryptor"
	"github.com/jaywantadh/chunkmerge/internal/merge"
	"github.com/jaywantadh/chunkmerge/internal/metadata"
	"github.com/jaywantadh/chunkmerge/internal/storage"
	"github.com/jaywantadh/chunkmerge/internal/transfer"
	"github.com/jaywantadh/chunkmerge/pkg/env"
	"github.com/jaywantadh/chunkmerge/pkg/logging"
)

func main() {
	if err := env.LoadEnv(); err != nil {
		logging.Log.Warn(err)
	}

	app := &cli.App{
		Name:  "chunkmerge",
		Usage: "Chunked upload store and merge service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "directory containing config.yaml",
				Value: env.GetEnv("CHUNKMERGE_CONFIG_DIR", "."),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "human readable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			logging.InitLogger(cfg.Debug || c.Bool("debug"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Run the upload server",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "port", Usage: "override the configured port"},
				},
				Action: serve,
			},
			{
				Name:      "upload",
				Usage:     "Upload a file in chunks and merge it",
				ArgsUsage: "<file>",
				Flags: append(clientFlags(),
					&cli.StringFlag{Name: "id", Usage: "upload identifier (random if empty)"},
					&cli.StringFlag{Name: "chunk-size", Usage: "chunk size such as 4MB (sized by file if empty)"},
					&cli.StringFlag{Name: "name", Usage: "artifact file name"},
				),
				Action: upload,
			},
			{
				Name:      "merge",
				Usage:     "Merge the chunks of an upload",
				ArgsUsage: "<identifier> <total-chunks>",
				Flags: append(clientFlags(),
					&cli.StringFlag{Name: "name", Usage: "artifact file name"},
				),
				Action: mergeUpload,
			},
			{
				Name:      "status",
				Usage:     "Show stored chunks and the merged artifact of an upload",
				ArgsUsage: "<identifier>",
				Flags:     clientFlags(),
				Action:    status,
			},
			{
				Name:   "artifacts",
				Usage:  "List merged artifacts",
				Flags:  clientFlags(),
				Action: listArtifacts,
			},
			{
				Name:      "delete",
				Usage:     "Delete a merged artifact and its record",
				ArgsUsage: "<identifier>",
				Flags:     clientFlags(),
				Action:    deleteArtifact,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "server", Usage: "server URL (client.server_url if empty)"},
	}
}

func serve(c *cli.Context) error {
	cfg := config.Config
	log := logging.Component("server")

	codec, err := buildCodec(cfg.Storage)
	if err != nil {
		return err
	}

	store, err := storage.NewLocalStorage(cfg.ChunkDir, codec, logging.Component("storage"))
	if err != nil {
		return err
	}

	catalog, err := metadata.OpenMetadataStore(cfg.CatalogPath)
	if err != nil {
		return err
	}
	defer catalog.Close()

	coord, err := merge.NewCoordinator(store, cfg.UploadDir, merge.Options{
		Cleanup: merge.CleanupPolicy(cfg.Merge.Cleanup),
		Catalog: catalog,
		Locker:  merge.NewLocker(),
		Log:     logging.Component("merge"),
	})
	if err != nil {
		return err
	}

	maxChunkSize, err := cfg.MaxChunkSizeBytes()
	if err != nil {
		return err
	}

	port := cfg.Port
	if c.IsSet("port") {
		port = c.Int("port")
	}

	log.WithFields(logrus.Fields{
		"chunk_dir":      cfg.ChunkDir,
		"upload_dir":     cfg.UploadDir,
		"cleanup":        cfg.Merge.Cleanup,
		"max_chunk_size": units.HumanSize(float64(maxChunkSize)),
		"compress":       cfg.Storage.CompressChunks,
		"encrypt":        cfg.Storage.EncryptionPassphrase != "",
	}).Info("starting chunkmerge")

	service := transfer.NewService(store, coord, logging.Component("service"))
	server := transfer.NewServer(service, catalog, maxChunkSize, log)
	return server.Run(c.Context, fmt.Sprintf(":%d", port))
}

func buildCodec(cfg config.StorageConfig) (*storage.Codec, error) {
	if !cfg.CompressChunks && cfg.EncryptionPassphrase == "" {
		return nil, nil
	}

	codec := &storage.Codec{Compress: cfg.CompressChunks}
	if cfg.EncryptionPassphrase != "" {
		enc, err := encryptor.NewEncryptor(cfg.EncryptionPassphrase)
		if err != nil {
			return nil, err
		}
		codec.Encryptor = enc
	}
	return codec, nil
}

func newClient(c *cli.Context) *transfer.Client {
	cfg := config.Config
	serverURL := c.String("server")
	if serverURL == "" {
		serverURL = cfg.Client.ServerURL
	}
	return transfer.NewClient(serverURL, transfer.ClientOptions{
		RetryMax: cfg.Client.RetryMax,
		Workers:  chunker.Workers(cfg.Client.ParallelismRatio),
	}, logging.Component("client"))
}

func upload(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: chunkmerge upload <file>", 2)
	}

	chunkSize, err := config.Config.ClientChunkSizeBytes()
	if err != nil {
		return err
	}
	if s := c.String("chunk-size"); s != "" {
		if chunkSize, err = units.RAMInBytes(s); err != nil {
			return fmt.Errorf("invalid chunk size %q: %w", s, err)
		}
	}

	identifier := c.String("id")
	if identifier == "" {
		identifier = uuid.NewString()
	}

	rec, err := newClient(c).UploadFile(c.Context, c.Args().First(), identifier, chunkSize, c.String("name"))
	if err != nil {
		return err
	}

	fmt.Printf("%s -> %s (%s, sha256 %s)\n", identifier, rec.Path, units.HumanSize(float64(rec.Size)), rec.SHA256)
	return nil
}

func mergeUpload(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: chunkmerge merge <identifier> <total-chunks>", 2)
	}
	identifier := c.Args().Get(0)
	total, err := strconv.Atoi(c.Args().Get(1))
	if err != nil {
		return cli.Exit(fmt.Sprintf("total-chunks must be an integer: %v", err), 2)
	}

	rec, err := newClient(c).Merge(c.Context, identifier, total, c.String("name"))
	if err != nil {
		var incomplete *merge.IncompleteUploadError
		if errors.As(err, &incomplete) {
			return cli.Exit(fmt.Sprintf("upload %s is missing chunk %d", identifier, incomplete.MissingIndex), 1)
		}
		return err
	}

	fmt.Printf("%s -> %s (%s, sha256 %s)\n", identifier, rec.Path, units.HumanSize(float64(rec.Size)), rec.SHA256)
	return nil
}

func status(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: chunkmerge status <identifier>", 2)
	}
	identifier := c.Args().First()
	client := newClient(c)

	chunks, err := client.ListChunks(c.Context, identifier)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d chunks stored %v\n", identifier, len(chunks), chunks)

	rec, err := client.Artifact(c.Context, identifier)
	if err != nil {
		var remote *transfer.RemoteError
		if errors.As(err, &remote) && remote.Reason == transfer.ReasonNotFound {
			fmt.Println("not merged")
			return nil
		}
		return err
	}
	fmt.Printf("merged %s into %s (%s, %d chunks, sha256 %s)\n",
		rec.MergedAt.Format("2006-01-02 15:04:05"), rec.Path, units.HumanSize(float64(rec.Size)), rec.TotalChunks, rec.SHA256)
	return nil
}

func listArtifacts(c *cli.Context) error {
	records, err := newClient(c).ListArtifacts(c.Context)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Printf("%s\t%s\t%s\t%s\n", rec.Identifier, rec.Path, units.HumanSize(float64(rec.Size)), rec.MergedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func deleteArtifact(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: chunkmerge delete <identifier>", 2)
	}
	if err := newClient(c).DeleteArtifact(c.Context, c.Args().First()); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", c.Args().First())
	return nil
}
