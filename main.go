package main

import (
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/riverfog7/TTRPatchClient/internal"
)

// Define command structs
type ManifestInfoCmd struct {
	OutputPath  string `arg:"positional,required" help:"Path to output JSON file or - for stdout"`
	ManifestUri string `arg:"--manifest" help:"Manifest URL (overrides manifest_uri)"`
}

type UpdateCmd struct {
	InstallDir     string `arg:"positional" help:"Installation directory (overrides install_dir)"`
	Threads        int    `arg:"-t,--threads" help:"Amount of files updated at once"`
	MaxConnections int    `arg:"--max-connections" help:"Amount of max connections for HTTP client"`
	SpeedLimit     int64  `arg:"--speed-limit" help:"Download speed limit in bytes per second, 0 for unlimited"`
	NoFallback     bool   `arg:"--no-fallback" help:"Fail files without a patch path instead of downloading them in full"`
}

type PlanCmd struct {
	FileName   string `arg:"positional,required" help:"Manifest filename to plan an update for"`
	InstallDir string `arg:"positional" help:"Installation directory (overrides install_dir)"`
}

// Root command struct
type Args struct {
	Config   string `arg:"-c,--config" help:"Path to config file"`
	LogLevel string `arg:"--log-level" help:"debug, info, warning or error"`

	ManifestInfo *ManifestInfoCmd `arg:"subcommand:manifestinfo" help:"Fetch and output manifest information"`
	Update       *UpdateCmd       `arg:"subcommand:update" help:"Update the installation to the manifest version"`
	Plan         *PlanCmd         `arg:"subcommand:plan" help:"Show the patch chain for one file without applying it"`
}

func main() {
	var args Args
	p := arg.MustParse(&args)

	cfg, _, err := internal.LoadConfig(args.Config)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if args.LogLevel != "" {
		cfg.LogLevel = args.LogLevel
	}

	switch {
	case args.ManifestInfo != nil:
		cmd := args.ManifestInfo
		if cmd.ManifestUri != "" {
			cfg.ManifestUri = cmd.ManifestUri
		}
		os.Exit(ManifestInfoCommand(cfg, cmd.OutputPath))

	case args.Update != nil:
		cmd := args.Update
		// Flags override the config file only when set
		if cmd.InstallDir != "" {
			cfg.InstallDir = cmd.InstallDir
		}
		if cmd.Threads > 0 {
			cfg.Threads = cmd.Threads
		}
		if cmd.MaxConnections > 0 {
			cfg.MaxConnections = cmd.MaxConnections
		}
		if cmd.SpeedLimit > 0 {
			cfg.SpeedLimit = cmd.SpeedLimit
		}
		if cmd.NoFallback {
			cfg.FullDownloadFallback = false
		}

		os.Exit(UpdateCommand(cfg))

	case args.Plan != nil:
		cmd := args.Plan
		if cmd.InstallDir != "" {
			cfg.InstallDir = cmd.InstallDir
		}
		os.Exit(PlanCommand(cfg, cmd.FileName))

	default:
		p.WriteHelp(os.Stdout)
		os.Exit(1)
	}
}
