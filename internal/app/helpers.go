// internal/app/helpers.go
package app

import (
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goop2-rtc/internal/config"
)

var log = logging.Logger("app")

// ApplyLogConfig sets the global level and then the per-subsystem overrides.
// Levels were checked by config.Validate; a bad one here is logged.
func ApplyLogConfig(c config.Log) {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		log.Warnf("log level %q: %v", c.Level, err)
		return
	}
	logging.SetAllLoggers(lvl)
	for name, l := range c.Subsystems {
		if err := logging.SetLogLevel(name, l); err != nil {
			log.Warnf("log level for %s: %v", name, err)
		}
	}
}

func logBanner(peerDir, cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("goop2-rtc peer scope")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" User        : %s (%s)", cfg.Identity.UserID, cfg.Identity.DisplayName)
	log.Infof(" Transport   : %s", cfg.Transport.Kind)
	log.Info("")
	log.Info(" This process represents ONE user.")
	log.Info(" The peer folder is the user's boundary.")
	log.Info("────────────────────────────────────────")
}
