package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/blkmirror"
	"github.com/lab47/cleo"
	"github.com/mitchellh/cli"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type CLI struct {
	log hclog.Logger

	lc *cli.CLI
}

type Global struct {
	Debug bool `short:"D" long:"debug" description:"enable debug mode"`
}

func NewCLI(log hclog.Logger, args []string) (*CLI, error) {
	c := &CLI{
		log: log,
		lc:  cli.NewCLI("blkmirror", "alpha"),
	}

	c.lc.Args = args

	err := c.setupCommands()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *CLI) Run() (int, error) {
	return c.lc.Run()
}

func (c *CLI) setupCommands() error {
	c.lc.Commands = map[string]cli.CommandFactory{
		"image init": func() (cli.Command, error) {
			return cleo.Infer("image init", "create a raw image", c.imageInit), nil
		},
		"image inspect": func() (cli.Command, error) {
			return cleo.Infer("image inspect", "inspect an image", c.imageInspect), nil
		},
		"mirror": func() (cli.Command, error) {
			return cleo.Infer("mirror", "mirror a source image onto a target", c.mirror), nil
		},
	}

	return nil
}

const (
	kilo = 1000
	mega = kilo * 1000
	giga = mega * 1000
	tera = giga * 1000
	peta = tera * 1000
)

var sizeSuffix = map[string]int{
	"k": kilo,
	"K": kilo,
	"m": mega,
	"M": mega,
	"g": giga,
	"G": giga,
	"t": tera,
	"T": tera,
	"p": peta,
	"P": peta,
}

func parseSize(s string) (int64, error) {
	for suf, factor := range sizeSuffix {
		if strings.HasSuffix(s, suf) {
			base, err := strconv.ParseInt(strings.TrimSuffix(s, suf), 10, 64)
			if err != nil {
				return 0, errors.Wrapf(err, "parsing size")
			}

			return base * int64(factor), nil
		}
	}

	return strconv.ParseInt(s, 10, 64)
}

func niceSize(sz int64) string {
	cases := []struct {
		f float64
		s string
	}{
		{peta, "PB"},
		{tera, "TB"},
		{giga, "GB"},
		{mega, "MB"},
		{kilo, "KB"},
	}

	x := float64(sz)

	for _, c := range cases {
		sub := x / c.f
		if sub >= 1.0 {
			return fmt.Sprintf("%.3f%s", sub, c.s)
		}
	}

	return fmt.Sprintf("%db", sz)
}

func (c *CLI) imageInit(ctx context.Context, opts struct {
	Global
	Path          string `short:"p" long:"path" description:"path of the image to create" required:"true"`
	Size          string `short:"s" long:"size" description:"size of the image" required:"true"`
	Backing       string `short:"b" long:"backing" description:"path of a backing file"`
	BackingFormat string `long:"backing-format" description:"format of the backing file"`
}) error {
	size, err := parseSize(opts.Size)
	if err != nil {
		c.log.Error("error parsing size", "error", err)
		os.Exit(1)
	}

	err = blkmirror.CreateFile(opts.Path, size, opts.Backing, opts.BackingFormat)
	if err != nil {
		c.log.Error("error creating image", "error", err)
		os.Exit(1)
	}

	c.log.Info("created image", "path", opts.Path, "size", niceSize(size))
	return nil
}

func (c *CLI) imageInspect(ctx context.Context, opts struct {
	Global
	Path string `short:"p" long:"path" description:"path of the image" required:"true"`
}) error {
	log := c.log
	if opts.Debug {
		log.SetLevel(hclog.Trace)
	}

	aio := blkmirror.NewAioContext(log)
	defer aio.Close()

	reg := blkmirror.StandardRegistry()

	dev, err := reg.Open(aio, log, opts.Path, "", blkmirror.OpenReadOnly)
	if err != nil {
		log.Error("error opening image", "error", err)
		os.Exit(1)
	}

	defer dev.Close()

	sz, err := dev.Length()
	if err != nil {
		return err
	}

	var allocated int64

	total := blkmirror.Sector(sz / blkmirror.SectorSize)
	for pos := blkmirror.Sector(0); pos < total; {
		ext, _ := blkmirror.Extent{Sector: pos, Sectors: 4096}.Clamp(total)

		run, state, err := dev.Allocated(ext)
		if err != nil {
			return err
		}

		if state {
			allocated += int64(run) * blkmirror.SectorSize
		}

		pos += blkmirror.Sector(run)
	}

	tr := tabwriter.NewWriter(os.Stdout, 2, 2, 1, ' ', 0)
	defer tr.Flush()

	fmt.Fprintf(tr, "PATH\tSIZE\tALLOCATED\n")
	fmt.Fprintf(tr, "%s\t%s\t%s\n", opts.Path, niceSize(sz), niceSize(allocated))

	return nil
}

func (c *CLI) mirror(ctx context.Context, opts struct {
	Global
	Config string `short:"c" long:"config" description:"mirror configuration" required:"true"`
}) error {
	log := c.log
	if opts.Debug {
		log.SetLevel(hclog.Trace)
	}

	cfg, err := blkmirror.LoadConfig(opts.Config)
	if err != nil {
		log.Error("error loading configuration", "error", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			l, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("error listening on metrics port", "error", err)
				return
			}

			http.Serve(l, promhttp.Handler())
		}()
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	aio := blkmirror.NewAioContext(log)
	defer aio.Close()

	reg := blkmirror.StandardRegistry()

	source, err := reg.Open(aio, log, cfg.Source.Path, cfg.Source.Format, 0)
	if err != nil {
		log.Error("error opening source image", "error", err)
		os.Exit(1)
	}

	m, err := blkmirror.OpenMirror(aio, log, reg, cfg.Target, 0)
	if err != nil {
		source.Close()
		log.Error("error opening mirror target", "error", err)
		os.Exit(1)
	}

	err = m.Attach(source)
	if err != nil {
		source.Close()
		log.Error("error attaching source to mirror", "error", err)
		os.Exit(1)
	}

	backing := m.Backing()
	target := m.Target()

	err = m.Sync(ctx)
	if err != nil {
		m.Close()
		target.Close()
		log.Error("error syncing mirror", "error", err)
		os.Exit(1)
	}

	// The mirror owns the source; the target and the shared backing
	// device are ours to tear down.
	err = m.Close()
	if err != nil {
		log.Error("error closing mirror", "error", err)
	}

	target.Close()

	if backing != nil {
		backing.Close()
	}

	log.Info("mirror complete")
	return nil
}
