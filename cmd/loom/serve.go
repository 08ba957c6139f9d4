// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"loom.build/pkg/daemon"
)

func newServeCommand(g *globalConfig) *cobra.Command {
	var maxBuildJobs, maxSubstitutionJobs int
	var keepGoing bool
	c := &cobra.Command{
		Use:                   "serve",
		Short:                 "run the loom build daemon",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().IntVar(&maxBuildJobs, "max-jobs", 1, "maximum number of concurrent builds")
	c.Flags().IntVar(&maxSubstitutionJobs, "max-substitution-jobs", 8, "maximum number of concurrent substitutions")
	c.Flags().BoolVar(&keepGoing, "keep-going", false, "keep building other goals after one fails")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g, maxBuildJobs, maxSubstitutionJobs, keepGoing)
	}
	return c
}

func runServe(ctx context.Context, g *globalConfig, maxBuildJobs, maxSubstitutionJobs int, keepGoing bool) error {
	cfg := daemon.Config{
		Dir:                 g.Directory,
		DBPath:              g.DBPath,
		GCRootsDir:          g.GCRootsDir,
		SocketPath:          g.StoreSocket,
		ScratchDir:          os.TempDir(),
		Substituters:        g.Substituters,
		MaxBuildJobs:        maxBuildJobs,
		MaxSubstitutionJobs: maxSubstitutionJobs,
		KeepGoing:           keepGoing,
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Errorf(ctx, "close daemon: %v", err)
		}
	}()

	log.Infof(ctx, "loom daemon listening on %s (store %s)", g.StoreSocket, g.Directory)
	return d.Serve(ctx, cfg)
}
