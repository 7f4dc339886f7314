package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/pqvolume"
	"github.com/awnumar/memguard"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

const (
	envPassphrase       = "PQVOL_PASSPHRASE"
	envNewPassphrase    = "PQVOL_NEW_PASSPHRASE"
	envHiddenPassphrase = "PQVOL_HIDDEN_PASSPHRASE"
)

// osStorage exposes the host filesystem to the engine. Paths are used
// as given, so block devices work too.
type osStorage struct{}

func (osStorage) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return os.OpenFile(name, flag, perm)
}

func (osStorage) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(name, perm)
}

func (osStorage) Remove(name string) error {
	return os.Remove(name)
}

func (osStorage) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	defer memguard.Purge()

	var err error
	switch os.Args[1] {
	case "create":
		err = cmdCreate(ctx, os.Args[2:])
	case "info":
		err = cmdInfo(os.Args[2:])
	case "read":
		err = cmdRead(ctx, os.Args[2:], false)
	case "write":
		err = cmdWrite(ctx, os.Args[2:], false)
	case "rotate":
		err = cmdRotate(ctx, os.Args[2:])
	case "verify":
		err = cmdVerify(ctx, os.Args[2:])
	case "erase":
		err = cmdErase(ctx, os.Args[2:])
	case "hidden-create":
		err = cmdHiddenCreate(ctx, os.Args[2:])
	case "hidden-read":
		err = cmdRead(ctx, os.Args[2:], true)
	case "hidden-write":
		err = cmdWrite(ctx, os.Args[2:], true)
	case "snapshot":
		err = cmdSnapshot(ctx, os.Args[2:])
	case "profiles":
		err = cmdProfiles(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pqvol: %v\n", err)
		memguard.Purge()
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(`pqvol commands:

  create        -vol path -size 64M [-profile medium] (default: config kdf or profile)
  info          -vol path
  read          -vol path -block N [-out file]
  write         -vol path -block N (-data text | -in file)
  rotate        -vol path
  verify        -vol path
  erase         -vol path
  hidden-create -vol path -size 8M
  hidden-read   -vol path -block N [-out file]
  hidden-write  -vol path -block N (-data text | -in file)
  snapshot      create|restore|list|delete [flags]
  profiles

Every command accepts -config file.yaml. Passphrases are prompted for, or
taken from PQVOL_PASSPHRASE, PQVOL_NEW_PASSPHRASE and
PQVOL_HIDDEN_PASSPHRASE.
`)
}

// commonFlags registers the flags every volume command shares.
type commonFlags struct {
	vol    *string
	config *string
}

func newFlagSet(name string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return fs, commonFlags{
		vol:    fs.String("vol", "", "path to volume file or device"),
		config: fs.String("config", "", "YAML config file"),
	}
}

func (c commonFlags) engine() (*pqvolume.Engine, error) {
	cfg := pqvolume.DefaultConfig()
	if *c.config != "" {
		var err error
		if cfg, err = pqvolume.LoadConfigFile(osStorage{}, *c.config); err != nil {
			return nil, err
		}
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	cfg.Logger = log
	return pqvolume.NewEngine(osStorage{}, cfg)
}

func (c commonFlags) requireVol() error {
	if *c.vol == "" {
		return errors.New("-vol is required")
	}
	return nil
}

func cmdCreate(ctx context.Context, args []string) error {
	fs, common := newFlagSet("create")
	size := fs.String("size", "", "volume size, e.g. 512M or 4G")
	profile := fs.String("profile", "", "KDF profile: low, medium, high, paranoid")
	_ = fs.Parse(args)
	if err := common.requireVol(); err != nil {
		return err
	}

	n, err := parseSize(*size)
	if err != nil {
		return err
	}
	engine, err := common.engine()
	if err != nil {
		return err
	}
	p := pqvolume.Profile(*profile)
	params, err := engine.Config().KDFParams()
	if err != nil {
		return err
	}
	if p != "" {
		if params, err = pqvolume.ProfileParams(p); err != nil {
			return err
		}
		params = params.WithPIM(engine.Config().PIM)
	}

	pass, err := readPassphraseConfirm(envPassphrase, "New passphrase: ", "Confirm passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(pass)

	vol, err := engine.CreateWithParams(ctx, *common.vol, n, pass, params)
	if err != nil {
		return err
	}
	defer vol.Close()
	fmt.Printf("created %s: %d blocks of %d bytes (argon2id %d MiB, t=%d, p=%d)\n", *common.vol, vol.BlockCount(), pqvolume.BlockSize,
		params.MemoryKiB/1024, params.Iterations, params.Parallelism)
	return nil
}

func cmdInfo(args []string) error {
	fs, common := newFlagSet("info")
	_ = fs.Parse(args)
	if err := common.requireVol(); err != nil {
		return err
	}
	engine, err := common.engine()
	if err != nil {
		return err
	}
	info, err := engine.Info(*common.vol)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "path\t%s\n", info.Path)
	fmt.Fprintf(w, "device size\t%d\n", info.DeviceSize)
	fmt.Fprintf(w, "version\t%d\n", info.Header.Version)
	fmt.Fprintf(w, "cipher\t%s\n", info.Header.Cipher)
	fmt.Fprintf(w, "kdf\t%s (memory %d KiB, iterations %d, parallelism %d)\n", info.Header.KDF,
		info.Header.Params.MemoryKiB, info.Header.Params.Iterations, info.Header.Params.Parallelism)
	fmt.Fprintf(w, "block size\t%d\n", info.BlockSize)
	fmt.Fprintf(w, "blocks\t%d\n", info.TotalBlocks)
	fmt.Fprintf(w, "map blocks\t%d\n", info.MapBlocks)
	return w.Flush()
}

// openTarget opens the outer volume and, for hidden commands, the hidden
// volume inside it. The returned close func closes both.
func openTarget(ctx context.Context, engine *pqvolume.Engine, path string, hidden bool) (*pqvolume.Volume, func(), error) {
	pass, err := readPassphrase(envPassphrase, "Passphrase: ")
	if err != nil {
		return nil, nil, err
	}
	defer wipe(pass)

	outer, err := engine.Open(ctx, path, pass)
	if err != nil {
		return nil, nil, err
	}
	if !hidden {
		return outer, func() { outer.Close() }, nil
	}

	hpass, err := readPassphrase(envHiddenPassphrase, "Hidden passphrase: ")
	if err != nil {
		outer.Close()
		return nil, nil, err
	}
	defer wipe(hpass)

	hv, err := pqvolume.NewHiddenLayer(outer).UnlockHidden(ctx, hpass)
	if err != nil {
		outer.Close()
		return nil, nil, err
	}
	return hv, func() { outer.Close() }, nil
}

func cmdRead(ctx context.Context, args []string, hidden bool) error {
	fs, common := newFlagSet("read")
	block := fs.Uint64("block", 0, "block index")
	out := fs.String("out", "", "write the block here instead of stdout")
	_ = fs.Parse(args)
	if err := common.requireVol(); err != nil {
		return err
	}
	engine, err := common.engine()
	if err != nil {
		return err
	}

	vol, done, err := openTarget(ctx, engine, *common.vol, hidden)
	if err != nil {
		return err
	}
	defer done()

	data, err := vol.ReadBlock(*block)
	if err != nil {
		return err
	}
	if *out != "" {
		return os.WriteFile(*out, data, 0600)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func cmdWrite(ctx context.Context, args []string, hidden bool) error {
	fs, common := newFlagSet("write")
	block := fs.Uint64("block", 0, "block index")
	text := fs.String("data", "", "text to store, zero padded to a block")
	in := fs.String("in", "", "file to store, - for stdin")
	_ = fs.Parse(args)
	if err := common.requireVol(); err != nil {
		return err
	}

	var payload []byte
	switch {
	case *in == "-":
		b, err := io.ReadAll(io.LimitReader(os.Stdin, pqvolume.BlockSize+1))
		if err != nil {
			return err
		}
		payload = b
	case *in != "":
		b, err := os.ReadFile(*in)
		if err != nil {
			return err
		}
		payload = b
	default:
		payload = []byte(*text)
	}
	if len(payload) > pqvolume.BlockSize {
		return fmt.Errorf("data is %d bytes, a block holds %d", len(payload), pqvolume.BlockSize)
	}
	data := make([]byte, pqvolume.BlockSize)
	copy(data, payload)

	engine, err := common.engine()
	if err != nil {
		return err
	}
	vol, done, err := openTarget(ctx, engine, *common.vol, hidden)
	if err != nil {
		return err
	}
	defer done()

	if err := vol.WriteBlock(*block, data); err != nil {
		return err
	}
	return vol.Sync()
}

func cmdRotate(ctx context.Context, args []string) error {
	fs, common := newFlagSet("rotate")
	_ = fs.Parse(args)
	if err := common.requireVol(); err != nil {
		return err
	}
	engine, err := common.engine()
	if err != nil {
		return err
	}

	old, err := readPassphrase(envPassphrase, "Current passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(old)
	next, err := readPassphraseConfirm(envNewPassphrase, "New passphrase: ", "Confirm new passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(next)

	vol, err := engine.Open(ctx, *common.vol, old)
	if err != nil {
		return err
	}
	defer vol.Close()
	if err := vol.Rotate(ctx, old, next); err != nil {
		return err
	}
	fmt.Println("passphrase changed")
	return nil
}

func cmdVerify(ctx context.Context, args []string) error {
	fs, common := newFlagSet("verify")
	_ = fs.Parse(args)
	if err := common.requireVol(); err != nil {
		return err
	}
	engine, err := common.engine()
	if err != nil {
		return err
	}
	vol, done, err := openTarget(ctx, engine, *common.vol, false)
	if err != nil {
		return err
	}
	defer done()

	if err := vol.VerifyIntegrity(); err != nil {
		return err
	}
	s := vol.Stats()
	fmt.Printf("ok: %d used, %d free, %d reserved blocks\n", s.UsedBlocks, s.FreeBlocks, s.ReservedBlocks)
	return nil
}

func cmdErase(ctx context.Context, args []string) error {
	fs, common := newFlagSet("erase")
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	_ = fs.Parse(args)
	if err := common.requireVol(); err != nil {
		return err
	}
	if !*yes {
		fmt.Printf("Destroy everything on %s? Type ERASE to continue: ", *common.vol)
		var answer string
		fmt.Scanln(&answer)
		if answer != "ERASE" {
			return errors.New("aborted")
		}
	}
	engine, err := common.engine()
	if err != nil {
		return err
	}
	return engine.Erase(ctx, *common.vol)
}

func cmdHiddenCreate(ctx context.Context, args []string) error {
	fs, common := newFlagSet("hidden-create")
	size := fs.String("size", "", "hidden volume size, e.g. 64M")
	_ = fs.Parse(args)
	if err := common.requireVol(); err != nil {
		return err
	}
	n, err := parseSize(*size)
	if err != nil {
		return err
	}
	engine, err := common.engine()
	if err != nil {
		return err
	}

	pass, err := readPassphrase(envPassphrase, "Outer passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(pass)
	hpass, err := readPassphraseConfirm(envHiddenPassphrase, "Hidden passphrase: ", "Confirm hidden passphrase: ")
	if err != nil {
		return err
	}
	defer wipe(hpass)

	outer, err := engine.Open(ctx, *common.vol, pass)
	if err != nil {
		return err
	}
	defer outer.Close()

	hv, err := pqvolume.NewHiddenLayer(outer).CreateHidden(ctx, hpass, n)
	if err != nil {
		return err
	}
	fmt.Printf("created hidden volume: %d blocks\n", hv.BlockCount())
	return nil
}

func cmdSnapshot(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("snapshot needs create, restore, list or delete")
	}
	fs, common := newFlagSet("snapshot " + args[0])
	id := fs.String("id", "", "snapshot id")
	desc := fs.String("desc", "", "snapshot description")
	target := fs.String("target", "", "restore target, defaults to -vol")
	_ = fs.Parse(args[1:])

	engine, err := common.engine()
	if err != nil {
		return err
	}
	snaps := engine.Snapshots()

	switch args[0] {
	case "create":
		if err := common.requireVol(); err != nil {
			return err
		}
		info, err := snaps.Create(ctx, *common.vol, *desc)
		if err != nil {
			return err
		}
		fmt.Println(info.ID)
	case "restore":
		dst := *target
		if dst == "" {
			dst = *common.vol
		}
		return snaps.Restore(ctx, *id, dst)
	case "list":
		list, err := snaps.List()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED\tSIZE\tVOLUME\tDESCRIPTION")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Size, s.VolumePath, s.Description)
		}
		return w.Flush()
	case "delete":
		return snaps.Delete(ctx, *id)
	default:
		return fmt.Errorf("unknown snapshot command %q", args[0])
	}
	return nil
}

func cmdProfiles(args []string) error {
	fs := flag.NewFlagSet("profiles", flag.ExitOnError)
	measure := fs.Bool("measure", false, "time one derivation per profile")
	_ = fs.Parse(args)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tMEMORY\tITERATIONS\tPARALLELISM\tDESCRIPTION")
	for _, p := range pqvolume.Profiles {
		params, err := pqvolume.ProfileParams(p)
		if err != nil {
			return err
		}
		desc := pqvolume.ProfileDescription(p)
		if *measure {
			d, err := pqvolume.MeasureKDF(context.Background(), params)
			if err != nil {
				return err
			}
			desc = fmt.Sprintf("%s (%s here)", desc, d.Round(time.Millisecond))
		}
		fmt.Fprintf(w, "%s\t%d MiB\t%d\t%d\t%s\n", p, params.MemoryKiB/1024, params.Iterations, params.Parallelism, desc)
	}
	return w.Flush()
}

// parseSize reads a byte count with an optional K, M, G or T suffix.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, errors.New("-size is required")
	}
	mult := int64(1)
	s = strings.TrimSuffix(s, "B")
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		mult, s = 1<<40, strings.TrimSuffix(s, "T")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}

func readPassphrase(env, prompt string) ([]byte, error) {
	if v, ok := os.LookupEnv(env); ok {
		return []byte(v), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("no terminal: set %s", env)
	}
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("passphrase read failed: %w", err)
	}
	return pass, nil
}

func readPassphraseConfirm(env, prompt, confirm string) ([]byte, error) {
	if v, ok := os.LookupEnv(env); ok {
		return []byte(v), nil
	}
	p1, err := readPassphrase(env, prompt)
	if err != nil {
		return nil, err
	}
	p2, err := readPassphrase(env, confirm)
	if err != nil {
		wipe(p1)
		return nil, err
	}
	defer wipe(p2)
	if string(p1) != string(p2) {
		wipe(p1)
		return nil, errors.New("passphrases do not match")
	}
	return p1, nil
}

func wipe(b []byte) {
	memguard.WipeBytes(b)
}
