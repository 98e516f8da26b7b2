// Command vaultsharectl is a thin command-line driver over the three
// engines (uploadengine, syncengine, importengine): enough to exercise a
// full owner-upload / owner-sync / recipient-import cycle against a
// disk-backed vault and either a bolt-backed local store or a real
// CloudKit-style endpoint supplied elsewhere. It plays the role
// cmd/uploc plays for the renter/host daemon -- a human-operable surface
// over library packages that are otherwise only driven by tests and
// host applications.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/ratelimit"

	"github.com/uplo-tech/vaultshare/build"
	"github.com/uplo-tech/vaultshare/crypto"
	"github.com/uplo-tech/vaultshare/events"
	"github.com/uplo-tech/vaultshare/importengine"
	"github.com/uplo-tech/vaultshare/persist"
	"github.com/uplo-tech/vaultshare/remote"
	"github.com/uplo-tech/vaultshare/remote/localstore"
	"github.com/uplo-tech/vaultshare/syncengine"
	"github.com/uplo-tech/vaultshare/types"
	"github.com/uplo-tech/vaultshare/uploadengine"
	"github.com/uplo-tech/vaultshare/vault"
)

// exit codes, inspired by sysexits.h the same way cmd/uplod picks them.
const (
	exitCodeGeneral = 1
	exitCodeUsage   = 64
)

// globalConfig holds every cobra-populated flag, the same shape cmd/uplod
// uses for its own Config struct.
var globalConfig struct {
	dataDir     string
	vaultDir    string
	passphrase  string
	storeDBPath string
}

// die prints its arguments to stderr and exits with the general error
// code, matching cmd/uplod's die helper.
func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

// wrap adapts a typed command function into the (cmd, args) shape cobra's
// Run field expects, the same pattern cmd/uploc's daemoncmd.go uses for
// every leaf command.
func wrap(fn func(args []string) error) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, args []string) {
		if err := fn(args); err != nil {
			die(err)
		}
	}
}

// vaultKeyFromPassphrase derives a vault.MasterKey from the CLI's
// --passphrase flag using the same KDF the share-phrase path uses (spec
// §6); the local vault's own master key and a share key are both opaque
// 32-byte symmetric keys, so reusing DeriveShareKey avoids inventing a
// second KDF for a local single-vault CLI that the spec never describes.
func vaultKeyFromPassphrase(passphrase string) vault.MasterKey {
	return vault.MasterKey(crypto.DeriveShareKey(passphrase))
}

// cliContext bundles everything a leaf command needs to construct
// engines: the disk-backed vault storage, the remote client, a shared
// logger, and the rate limiter every engine's transport shares.
type cliContext struct {
	storage   *localVaultStorage
	store     *localstore.Store
	rl        *ratelimit.RateLimit
	bus       *events.Bus
	log       *persist.Logger
	vaultKey  vault.MasterKey
}

func newCLIContext() (*cliContext, error) {
	if err := os.MkdirAll(globalConfig.dataDir, 0700); err != nil {
		return nil, errors.AddContext(err, "could not create data directory")
	}
	if err := os.MkdirAll(globalConfig.vaultDir, 0700); err != nil {
		return nil, errors.AddContext(err, "could not create vault directory")
	}
	logger, err := persist.NewFileLogger(filepath.Join(globalConfig.dataDir, "vaultsharectl.log"))
	if err != nil {
		return nil, errors.AddContext(err, "could not open log file")
	}
	store, err := localstore.New(globalConfig.storeDBPath)
	if err != nil {
		logger.Close()
		return nil, errors.AddContext(err, "could not open local record store")
	}
	cipher := crypto.NewXChaChaCipher()
	activeVaultKey = vaultKeyFromPassphrase(globalConfig.passphrase)
	return &cliContext{
		storage:  newLocalVaultStorage(globalConfig.vaultDir, cipher),
		store:    store,
		rl:       ratelimit.NewRateLimit(0, 0, 0),
		bus:      &events.Bus{},
		log:      logger,
		vaultKey: activeVaultKey,
	}, nil
}

func (c *cliContext) Close() {
	c.store.Close()
	c.log.Close()
}

func (c *cliContext) uploadDeps() uploadengine.Deps {
	return uploadengine.Deps{
		Storage:   c.storage,
		Platform:  vault.NoopPlatform{},
		Remote:    c.store,
		RateLimit: c.rl,
		DataDir:   globalConfig.dataDir,
		Bus:       c.bus,
	}
}

func (c *cliContext) syncDeps() syncengine.Deps {
	return syncengine.Deps{
		Storage:   c.storage,
		Platform:  vault.NoopPlatform{},
		Remote:    c.store,
		RateLimit: c.rl,
		DataDir:   globalConfig.dataDir,
		Bus:       c.bus,
	}
}

func (c *cliContext) importDeps() importengine.Deps {
	return importengine.Deps{
		Storage:   c.storage,
		Platform:  vault.NoopPlatform{},
		Remote:    c.store,
		RateLimit: c.rl,
		DataDir:   globalConfig.dataDir,
		Bus:       c.bus,
	}
}

// jsonMarshal marshals v as indented JSON; storage.go uses it to encode
// the vault index before encrypting it. Errors are returned unwrapped.
func jsonMarshal(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func main() {
	root := &cobra.Command{
		Use:   "vaultsharectl",
		Short: "Vaultshare v" + build.Version,
		Long:  "vaultsharectl drives the vault-sharing upload, sync, and import engines from the command line.",
	}

	root.PersistentFlags().StringVar(&globalConfig.dataDir, "data-dir", build.DefaultDataDir(), "pending-upload/sync/import and share-cache state directory")
	root.PersistentFlags().StringVar(&globalConfig.vaultDir, "vault-dir", filepath.Join(build.DefaultDataDir(), "vault"), "local vault storage directory")
	root.PersistentFlags().StringVar(&globalConfig.passphrase, "passphrase", "", "vault master passphrase")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Println("vaultsharectl v" + build.Version)
		},
	})

	root.AddCommand(addFileCmd, shareCmd, syncCmd, importCmd, statusCmd, resumeCmd, cancelCmd)

	cobra.OnInitialize(func() {
		globalConfig.storeDBPath = filepath.Join(globalConfig.dataDir, "localstore.db")
	})

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeUsage)
	}
}

var addFileCmd = &cobra.Command{
	Use:   "add [path]",
	Short: "Add a file to the local vault",
	Long:  "Read a file from disk, encrypt it under the vault's master key, and add it to the vault index.",
	Run:   wrap(addFileCmd_run),
}

func addFileCmd_run(args []string) error {
	if len(args) != 1 {
		return errors.New("expected exactly one file path")
	}
	ctx, err := newCLIContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	path := args[0]
	content, err := readFileForUpload(path)
	if err != nil {
		return errors.AddContext(err, "could not read source file")
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	id := newVaultFileID()
	err = ctx.storage.StoreFile(context.Background(), vault.StoreFileParams{
		ID:               id,
		Filename:         filepath.Base(path),
		MimeType:         mimeType,
		OriginalSize:     uint32(len(content)),
		CreatedAt:        time.Now(),
		DecryptedContent: content,
	})
	if err != nil {
		return errors.AddContext(err, "could not store file")
	}
	fmt.Printf("added %s as %s (%s, %d bytes)\n", path, id, mimeType, len(content))
	return nil
}

var shareCmd = &cobra.Command{
	Use:   "share [phrase]",
	Short: "Build and upload a new share for the given phrase",
	Run:   wrap(shareCmd_run),
}

var shareFlags struct {
	allowDownloads   bool
	allowScreenshots bool
	maxOpens         int
}

func init() {
	shareCmd.Flags().BoolVar(&shareFlags.allowDownloads, "allow-downloads", true, "allow the recipient to download files")
	shareCmd.Flags().BoolVar(&shareFlags.allowScreenshots, "allow-screenshots", false, "allow the recipient to screenshot files")
	shareCmd.Flags().IntVar(&shareFlags.maxOpens, "max-opens", 0, "maximum number of opens before the share self-destructs (0 = unlimited)")
}

func shareCmd_run(args []string) error {
	if len(args) != 1 {
		return errors.New("expected exactly one share phrase")
	}
	ctx, err := newCLIContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	policy := types.SharePolicy{
		AllowDownloads:   shareFlags.allowDownloads,
		AllowScreenshots: shareFlags.allowScreenshots,
	}
	if shareFlags.maxOpens > 0 {
		policy.MaxOpens = &shareFlags.maxOpens
	}

	engine := uploadengine.NewEngine(ctx.uploadDeps())
	defer engine.Close()

	jobID, err := engine.StartUpload(context.Background(), ctx.vaultKey, args[0], policy)
	if err != nil {
		return errors.AddContext(err, "could not start upload")
	}

	pbs := mpb.New(mpb.WithWidth(40))
	bar := pbs.AddBar(100,
		mpb.PrependDecorators(decor.Name("uploading", decor.WC{W: 12})),
		mpb.AppendDecorators(decor.Percentage()),
	)

	for {
		state, status, ok := engine.Status(jobID)
		if !ok {
			break
		}
		bar.SetCurrent(int64(state.LastProgress))
		if status == uploadengine.StatusFailed || status == uploadengine.StatusPaused {
			pbs.Wait()
			return errors.New("upload did not finish: " + state.LastMessage)
		}
		if state.LastProgress >= 100 && state.UploadFinished {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	bar.SetCurrent(100)
	pbs.Wait()
	fmt.Printf("share uploaded: job %s\n", jobID)
	return nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize every active share against the local vault",
	Run:   wrap(syncCmd_run),
}

func syncCmd_run([]string) error {
	ctx, err := newCLIContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	engine := syncengine.NewEngine(ctx.syncDeps())
	defer engine.Close()

	if err := engine.SyncNow(context.Background(), ctx.vaultKey); err != nil {
		return errors.AddContext(err, "could not start sync")
	}
	for {
		state, progress := engine.Status()
		if state != syncengine.StateSyncing {
			for shareVaultID, p := range progress {
				fmt.Printf("%s: %s (%.0f%%) %s\n", shareVaultID, p.Status, p.FractionCompleted*100, p.Message)
			}
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	return nil
}

var importCmd = &cobra.Command{
	Use:   "import [phrase]",
	Short: "Download and import the share addressed by the given phrase",
	Run:   wrap(importCmd_run),
}

func importCmd_run(args []string) error {
	if len(args) != 1 {
		return errors.New("expected exactly one share phrase")
	}
	ctx, err := newCLIContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	engine := importengine.NewEngine(ctx.importDeps())
	defer engine.Close()

	if err := engine.StartImport(context.Background(), ctx.vaultKey, args[0]); err != nil {
		return errors.AddContext(err, "could not start import")
	}
	for {
		state, status, ok := engine.Status()
		if !ok || status == "" {
			break
		}
		fmt.Printf("\rimporting: %d/%d files", len(state.ImportedFileIDs), state.TotalFiles)
		if status == importengine.StatusFailed || status == importengine.StatusPaused {
			fmt.Println()
			return errors.New("import did not finish: " + state.DownloadError)
		}
		if len(state.ImportedFileIDs) >= state.TotalFiles && state.TotalFiles > 0 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Println()
	fmt.Println("import complete")
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status [upload|sync|import] [id]",
	Short: "Print the current status of a job, the sync engine, or the import",
	Run:   wrap(statusCmd_run),
}

func statusCmd_run(args []string) error {
	if len(args) < 1 {
		return errors.New("expected a subject: upload, sync, or import")
	}
	ctx, err := newCLIContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	switch args[0] {
	case "upload":
		if len(args) != 2 {
			return errors.New("expected a job id")
		}
		engine := uploadengine.NewEngine(ctx.uploadDeps())
		defer engine.Close()
		state, status, ok := engine.Status(args[1])
		if !ok {
			return errors.New("no such job")
		}
		fmt.Printf("status=%s progress=%d message=%q\n", status, state.LastProgress, state.LastMessage)
	case "sync":
		engine := syncengine.NewEngine(ctx.syncDeps())
		defer engine.Close()
		state, progress := engine.Status()
		fmt.Printf("aggregate=%s\n", state)
		for shareVaultID, p := range progress {
			fmt.Printf("  %s: %s (%.0f%%) %s\n", shareVaultID, p.Status, p.FractionCompleted*100, p.Message)
		}
	case "import":
		engine := importengine.NewEngine(ctx.importDeps())
		defer engine.Close()
		state, status, ok := engine.Status()
		if !ok {
			fmt.Println("no pending import")
			return nil
		}
		fmt.Printf("status=%s imported=%d/%d\n", status, len(state.ImportedFileIDs), state.TotalFiles)
	default:
		return errors.New("unknown status subject: " + args[0])
	}
	return nil
}

var resumeCmd = &cobra.Command{
	Use:   "resume [uploads|syncs|import]",
	Short: "Resume interrupted uploads, syncs, or an interrupted import",
	Run:   wrap(resumeCmd_run),
}

func resumeCmd_run(args []string) error {
	if len(args) != 1 {
		return errors.New("expected a subject: uploads, syncs, or import")
	}
	ctx, err := newCLIContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	switch args[0] {
	case "uploads":
		engine := uploadengine.NewEngine(ctx.uploadDeps())
		defer engine.Close()
		vk := ctx.vaultKey
		return engine.ResumePendingUploadsIfNeeded(context.Background(), &vk)
	case "syncs":
		engine := syncengine.NewEngine(ctx.syncDeps())
		defer engine.Close()
		return engine.ResumePendingSyncs(context.Background())
	case "import":
		engine := importengine.NewEngine(ctx.importDeps())
		defer engine.Close()
		return engine.Resume(context.Background(), ctx.vaultKey)
	default:
		return errors.New("unknown resume subject: " + args[0])
	}
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [upload|import] [id]",
	Short: "Cancel a running or paused upload job, or the pending import",
	Run:   wrap(cancelCmd_run),
}

func cancelCmd_run(args []string) error {
	if len(args) < 1 {
		return errors.New("expected a subject: upload or import")
	}
	ctx, err := newCLIContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	switch args[0] {
	case "upload":
		if len(args) != 2 {
			return errors.New("expected a job id")
		}
		engine := uploadengine.NewEngine(ctx.uploadDeps())
		defer engine.Close()
		return engine.Cancel(context.Background(), args[1])
	case "import":
		engine := importengine.NewEngine(ctx.importDeps())
		defer engine.Close()
		return engine.Cancel()
	default:
		return errors.New("unknown cancel subject: " + args[0])
	}
}

var _ remote.Client = (*localstore.Store)(nil)
