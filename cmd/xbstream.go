// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// The xbstream CLI tool packs files into a multiplexed archive stream
// on standard output and extracts such a stream back into files,
// optionally uploading the finished archive to an OSS or S3 storage
// backend.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/dragonflyoss/xbstream/pkg/backend"
	"github.com/dragonflyoss/xbstream/pkg/extractor"
	"github.com/dragonflyoss/xbstream/pkg/packer"
	"github.com/dragonflyoss/xbstream/pkg/utils"
	"github.com/dragonflyoss/xbstream/pkg/xbstream"
)

var versionGitCommit string
var versionBuildTime string

func isPossibleValue(excepted []string, value string) bool {
	for _, v := range excepted {
		if value == v {
			return true
		}
	}
	return false
}

func parseBackendConfig(backendConfigJSON, backendConfigFile string) (string, error) {
	if backendConfigJSON != "" && backendConfigFile != "" {
		return "", fmt.Errorf("--backend-config conflicts with --backend-config-file")
	}

	if backendConfigFile != "" {
		_backendConfigJSON, err := os.ReadFile(backendConfigFile)
		if err != nil {
			return "", errors.Wrap(err, "parse backend config file")
		}
		backendConfigJSON = string(_backendConfigJSON)
	}

	return backendConfigJSON, nil
}

// collectPaths merges positional arguments with an optional list file
// of newline-separated paths.
func collectPaths(c *cli.Context) ([]string, error) {
	paths := c.Args().Slice()

	listPath := c.String("files-from")
	if listPath != "" {
		list, err := os.Open(listPath)
		if err != nil {
			return nil, errors.Wrap(err, "open file list")
		}
		defer list.Close()

		scanner := bufio.NewScanner(list)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				paths = append(paths, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, errors.Wrap(err, "read file list")
		}
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no input files specified")
	}
	// Fail before any archive bytes are written rather than mid-stream.
	for _, path := range paths {
		if !utils.IsPathExists(path) {
			return nil, errors.Errorf("input file %s does not exist", path)
		}
	}
	return paths, nil
}

func setLogLevel(c *cli.Context) error {
	logLevel, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(logLevel)
	return nil
}

func create(c *cli.Context) error {
	if err := setLogLevel(c); err != nil {
		return err
	}

	paths, err := collectPaths(c)
	if err != nil {
		return err
	}

	backendType := c.String("backend-type")
	possibleBackendTypes := []string{"", "oss", "s3"}
	if !isPossibleValue(possibleBackendTypes, backendType) {
		return fmt.Errorf("--backend-type should be one of %v", possibleBackendTypes)
	}

	if backendType != "" {
		return createToBackend(c, paths, backendType)
	}

	var out io.Writer
	output := c.String("output")
	if output == "" || output == "-" {
		out = os.Stdout
	} else {
		file, err := os.Create(output)
		if err != nil {
			return errors.Wrap(err, "create output archive")
		}
		defer file.Close()
		out = file
	}

	p := packer.New(packer.Opt{
		Out:      out,
		Parallel: c.Uint("parallel"),
	})
	return p.Pack(paths)
}

// createToBackend packs the archive into a spool file and uploads it
// to the configured storage backend.
func createToBackend(c *cli.Context, paths []string, backendType string) error {
	backendConfig, err := parseBackendConfig(c.String("backend-config"), c.String("backend-config-file"))
	if err != nil {
		return err
	}
	if backendConfig == "" {
		return fmt.Errorf("--backend-config or --backend-config-file is required for --backend-type")
	}

	bkd, err := backend.NewBackend(backendType, []byte(backendConfig))
	if err != nil {
		return err
	}

	spool := filepath.Join(os.TempDir(), "xbstream-"+uuid.NewString())
	file, err := os.Create(spool)
	if err != nil {
		return errors.Wrap(err, "create spool file")
	}
	defer os.Remove(spool)

	// Checksum the archive while it is spooled so the upload never
	// has to read it back for verification.
	sum := backend.NewArchiveSum()
	p := packer.New(packer.Opt{
		Out:      io.MultiWriter(file, sum),
		Parallel: c.Uint("parallel"),
	})
	if err := p.Pack(paths); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return errors.Wrap(err, "flush spool file")
	}

	archiveID := c.String("name")
	logrus.Infof("uploading archive %s to %s backend", archiveID, backendType)
	return utils.WithRetry(func() error {
		return bkd.Upload(context.Background(), archiveID, spool, sum.Sum64(), c.Bool("backend-force-push"))
	}, backend.IsPermanent)
}

func extract(c *cli.Context) error {
	if err := setLogLevel(c); err != nil {
		return err
	}

	var reader *xbstream.Reader
	switch {
	case c.String("fifo") != "":
		timeout := time.Duration(c.Int("timeout")) * time.Second
		r, err := xbstream.OpenFifo(c.String("fifo"), timeout)
		if err != nil {
			return err
		}
		reader = r
	case c.String("input") != "" && c.String("input") != "-":
		file, err := os.Open(c.String("input"))
		if err != nil {
			return errors.Wrap(err, "open input archive")
		}
		defer file.Close()
		reader = xbstream.NewReader(file)
	default:
		reader = xbstream.OpenStdin()
	}
	defer reader.Close()

	e, err := extractor.New(extractor.Opt{
		Dir:    c.String("directory"),
		Digest: c.Bool("digest"),
	})
	if err != nil {
		return err
	}
	return e.Extract(reader)
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	version := fmt.Sprintf("%s.%s", versionGitCommit, versionBuildTime)

	app := &cli.App{
		Name:    "xbstream",
		Usage:   "Multiplexed archive stream packer and extractor",
		Version: version,
	}

	logLevelFlag := &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		Usage:   "Set log level (panic, fatal, error, warn, info, debug, trace)",
		EnvVars: []string{"LOG_LEVEL"},
	}

	app.Commands = []*cli.Command{
		{
			Name:      "create",
			Aliases:   []string{"c"},
			Usage:     "Pack files into an xbstream archive",
			ArgsUsage: "FILE...",
			Flags: []cli.Flag{
				logLevelFlag,
				&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "-", Usage: "Archive destination path, '-' for standard output", EnvVars: []string{"OUTPUT"}},
				&cli.UintFlag{Name: "parallel", Value: 0, Usage: "Number of files packed concurrently, 0 means one worker per CPU", EnvVars: []string{"PARALLEL"}},
				&cli.StringFlag{Name: "files-from", Usage: "Read additional input paths from a newline-separated list file", EnvVars: []string{"FILES_FROM"}},
				&cli.StringFlag{Name: "name", Value: "backup.xbstream", Usage: "Object name of the archive in the storage backend", EnvVars: []string{"NAME"}},
				&cli.StringFlag{Name: "backend-type", Value: "", Usage: "Upload the archive to a storage backend instead of --output, possible values: oss, s3", EnvVars: []string{"BACKEND_TYPE"}},
				&cli.StringFlag{Name: "backend-config", Value: "", Usage: "Specify storage backend in JSON config string", EnvVars: []string{"BACKEND_CONFIG"}},
				&cli.StringFlag{Name: "backend-config-file", Value: "", TakesFile: true, Usage: "Specify storage backend config from path", EnvVars: []string{"BACKEND_CONFIG_FILE"}},
				&cli.BoolFlag{Name: "backend-force-push", Value: false, Usage: "Force to push the archive to the storage backend, even if it already exists", EnvVars: []string{"BACKEND_FORCE_PUSH"}},
			},
			Action: create,
		},
		{
			Name:    "extract",
			Aliases: []string{"x"},
			Usage:   "Extract an xbstream archive into files",
			Flags: []cli.Flag{
				logLevelFlag,
				&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Value: "-", Usage: "Archive source path, '-' for standard input", EnvVars: []string{"INPUT"}},
				&cli.StringFlag{Name: "fifo", Usage: "Read the archive from a FIFO instead of --input", EnvVars: []string{"FIFO"}},
				&cli.IntFlag{Name: "timeout", Value: 0, Usage: "Seconds to wait for a writer on the FIFO, <= 0 waits forever", EnvVars: []string{"TIMEOUT"}},
				&cli.StringFlag{Name: "directory", Aliases: []string{"C"}, Value: ".", Usage: "Extract into this directory", EnvVars: []string{"DIRECTORY"}},
				&cli.BoolFlag{Name: "digest", Value: false, Usage: "Log the blake3 digest of every extracted file", EnvVars: []string{"DIGEST"}},
			},
			Action: extract,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
