package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/mirage-av/mirage/pkg/mirage"
	"github.com/mirage-av/mirage/pkg/mirage/util"

	"go.uber.org/zap"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose  bool
	discover bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging protocol traffic)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.BoolVar(&discover, "discover", false, "browse the local network for appliances, then exit")
	flag.Parse()
}

func main() {
	logger, err := mirage.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	if discover {
		runDiscovery(logger, named)
		return
	}

	if err := util.CreateMutex("mirage"); err != nil {
		named.Fatalw("Failed to acquire instance lock", "error", err)
	}

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	d, err := mirage.NewMirage(logger, verbose)
	if err != nil {
		named.Fatalw("Failed to create mirage object", "error", err)
	}

	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		d.SetVersion(versionString)
	}

	if err = d.Initialize(); err != nil {
		named.Fatalw("Failed to initialize mirage", "error", err)
	}
}

// runDiscovery browses for a short while and reports what it finds, so a
// user can fill in their config's host field
func runDiscovery(logger *zap.SugaredLogger, named *zap.SugaredLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	servers, err := mirage.Discover(ctx, logger)
	if err != nil {
		named.Fatalw("Failed to start discovery", "error", err)
	}

	found := 0
	for server := range servers {
		found++
		fmt.Printf("%s\t%s:%d\t(version %s, id %s)\n",
			server.Name, server.Host, server.Port, server.Version, server.UUID)
	}

	if found == 0 {
		fmt.Println("No appliances found on the local network")
	}
}
