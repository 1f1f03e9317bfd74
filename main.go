package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/docker/docker/client"
	"github.com/go-errors/errors"
	yaml "github.com/goccy/go-yaml"
	"github.com/gymdock/gymdock/pkg/app"
	"github.com/gymdock/gymdock/pkg/config"
	"github.com/integrii/flaggy"
)

var (
	commit      string
	version     = "unversioned"
	date        string
	buildSource = "unknown"

	configFile      = ""
	printConfigFlag = false
	debuggingFlag   = false

	dockerImage    = ""
	workerCommand  = ""
	volumes        []string
	envFileList    = ""
	containerLabel = ""
	maxSessions    = 0
	batchWindowMS  = 0
	idleTimeoutS   = 0
	commandTimeout = 0.0
	host           = ""
	port           = 0
)

func main() {
	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version,
		date,
		buildSource,
		commit,
		runtime.GOOS,
		runtime.GOARCH,
	)

	defaults := config.GetDefaultConfig()

	flaggy.SetName("gymdock")
	flaggy.SetDescription("REST API server that runs gym environments as docker containers")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/gymdock/gymdock"

	flaggy.String(&dockerImage, "i", "docker-image", "Docker image for worker containers")
	flaggy.String(&workerCommand, "w", "worker-command", "Command to run inside the container (e.g. \"python -u /app/worker.py\")")
	flaggy.StringSlice(&volumes, "v", "volume", "Volume mount in host:container[:mode] format (repeatable)")
	flaggy.String(&envFileList, "e", "env-file-list", "Path to a text file listing environment IDs (one per line)")
	flaggy.String(&containerLabel, "l", "container-label", fmt.Sprintf("Docker label for tracking containers (default %s)", defaults.ContainerLabel))
	flaggy.Int(&maxSessions, "m", "max-sessions", fmt.Sprintf("Maximum concurrent sessions (default %d)", defaults.MaxSessions))
	flaggy.Int(&batchWindowMS, "b", "batch-window-ms", fmt.Sprintf("Step batching window in milliseconds (default %d)", defaults.BatchWindowMS))
	flaggy.Int(&idleTimeoutS, "", "idle-timeout", fmt.Sprintf("Idle session timeout in seconds (default %d)", defaults.IdleTimeoutS))
	flaggy.Float64(&commandTimeout, "t", "command-timeout", fmt.Sprintf("Timeout for worker commands in seconds (default %v)", defaults.CommandTimeoutS))
	flaggy.String(&host, "", "host", fmt.Sprintf("Host to bind to (default %s)", defaults.Host))
	flaggy.Int(&port, "p", "port", fmt.Sprintf("Port to listen on (default %d)", defaults.Port))
	flaggy.String(&configFile, "", "config", "Path to a yaml config file")
	flaggy.Bool(&printConfigFlag, "c", "print-config", "Print the default config and exit")
	flaggy.Bool(&debuggingFlag, "d", "debug", "Verbose logging")
	flaggy.SetVersion(info)

	flaggy.Parse()

	if printConfigFlag {
		content, err := yaml.Marshal(config.GetDefaultConfig())
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Println(string(content))
		os.Exit(0)
	}

	appConfig, err := config.NewServerConfig(version, debuggingFlag, configFile)
	if err != nil {
		log.Fatal(err.Error())
	}

	// flags beat the config file; an unset flag keeps its zero value and
	// leaves the loaded config alone
	if dockerImage != "" {
		appConfig.DockerImage = dockerImage
	}
	if workerCommand != "" {
		appConfig.WorkerCommand = strings.Fields(workerCommand)
	}
	if len(volumes) > 0 {
		appConfig.Volumes = volumes
		if err := appConfig.ExpandVolumes(); err != nil {
			log.Fatal(err.Error())
		}
	}
	if envFileList != "" {
		envFiles, err := config.LoadEnvFileList(envFileList)
		if err != nil {
			log.Fatal(err.Error())
		}
		appConfig.EnvFiles = envFiles
	}
	if containerLabel != "" {
		appConfig.ContainerLabel = containerLabel
	}
	if maxSessions != 0 {
		appConfig.MaxSessions = maxSessions
	}
	if batchWindowMS != 0 {
		appConfig.BatchWindowMS = batchWindowMS
	}
	if idleTimeoutS != 0 {
		appConfig.IdleTimeoutS = idleTimeoutS
	}
	if commandTimeout != 0 {
		appConfig.CommandTimeoutS = commandTimeout
	}
	if host != "" {
		appConfig.Host = host
	}
	if port != 0 {
		appConfig.Port = port
	}

	if err := appConfig.Validate(); err != nil {
		log.Fatal(err.Error())
	}

	app, err := app.NewApp(appConfig, nil)
	if err == nil {
		err = app.Run(context.Background())
	}

	if err != nil {
		if errMessage, known := app.KnownError(err); known {
			log.Println(errMessage)
			os.Exit(1)
		}

		if client.IsErrConnectionFailed(err) {
			log.Println("Could not connect to the Docker daemon. Is it running?")
			os.Exit(1)
		}

		newErr := errors.Wrap(err, 0)
		stackTrace := newErr.ErrorStack()
		app.Log.Error(stackTrace)

		log.Fatal(fmt.Sprintf("An error occurred! Please create an issue at https://github.com/gymdock/gymdock/issues\n\n%s", stackTrace))
	}
}
