package app

import (
	"context"
	"io"

	"github.com/petervdpas/goop2-rtc/internal/config"
)

// Run starts a peer, attaches the operator console to in/out and blocks
// until the console quits or ctx is done. Shutdown always runs.
func Run(ctx context.Context, opt Options, in io.Reader, out io.Writer) (err error) {
	ApplyLogConfig(opt.Cfg.Log)
	logBanner(opt.PeerDir, opt.CfgPath, opt.Cfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt := New(opt)
	defer func() {
		if serr := rt.Shutdown(); err == nil {
			err = serr
		}
	}()
	if err := rt.Init(ctx); err != nil {
		return err
	}

	if opt.CfgPath != "" {
		if err := config.Watch(ctx, opt.CfgPath, func(c config.Config) { ApplyLogConfig(c.Log) }); err != nil {
			log.Warnf("config watch disabled: %v", err)
		}
	}

	return NewConsole(rt, out).Run(ctx, in)
}
