// Copyright 2026 The loom Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"loom.build/pkg/wire"
)

func newStoreCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:   "store",
		Short: "query and modify the local store over the daemon socket",
	}
	c.AddCommand(
		newIsValidPathCommand(g),
		newQueryPathInfoCommand(g),
		newAddTextCommand(g),
		newGCCommand(g),
	)
	return c
}

func newIsValidPathCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "is-valid-path PATH [...]",
		Short:                 "report whether each given store path is registered as valid",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		sc, err := dialStore(cmd.Context(), g.StoreSocket)
		if err != nil {
			return err
		}
		defer sc.Close()

		allValid := true
		for _, path := range args {
			var valid bool
			err := sc.call(wire.OpIsValidPath, func(w *wire.Writer) error {
				return w.String(path)
			}, nil)
			if err != nil {
				return err
			}
			valid, err = sc.c.Reader().Bool()
			if err != nil {
				return fmt.Errorf("read reply: %w", err)
			}
			fmt.Printf("%s\t%v\n", path, valid)
			allValid = allValid && valid
		}
		if !allValid {
			os.Exit(1)
		}
		return nil
	}
	return c
}

func newQueryPathInfoCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "query-path-info PATH",
		Short:                 "print a store path's registered metadata",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		sc, err := dialStore(cmd.Context(), g.StoreSocket)
		if err != nil {
			return err
		}
		defer sc.Close()

		if err := sc.call(wire.OpQueryPathInfo, func(w *wire.Writer) error {
			return w.String(args[0])
		}, nil); err != nil {
			return err
		}
		found, err := sc.c.Reader().Bool()
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		if !found {
			return fmt.Errorf("%s is not a valid path", args[0])
		}
		info, err := decodeValidPathInfo(sc.c.Reader())
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		fmt.Printf("Path:          %s\n", info.path)
		fmt.Printf("Deriver:       %s\n", info.deriver)
		fmt.Printf("NarHash:       %s:%x\n", info.narHashAlgo, info.narHash)
		fmt.Printf("NarSize:       %d\n", info.narSize)
		fmt.Printf("References:    %s\n", strings.Join(info.references, " "))
		fmt.Printf("ContentAddr:   %s\n", info.ca)
		fmt.Printf("Signatures:    %s\n", strings.Join(info.sigs, " "))
		return nil
	}
	return c
}

func newAddTextCommand(g *globalConfig) *cobra.Command {
	var name string
	c := &cobra.Command{
		Use:                   "add-text [--name NAME]",
		Short:                 "read text from stdin and add it to the store as a text-addressed object",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringVar(&name, "name", "text", "store object `name`")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		sc, err := dialStore(cmd.Context(), g.StoreSocket)
		if err != nil {
			return err
		}
		defer sc.Close()

		if err := sc.call(wire.OpAddTextToStore, func(w *wire.Writer) error {
			if err := w.String(name); err != nil {
				return err
			}
			if err := w.Bytes(data); err != nil {
				return err
			}
			return w.StringList(nil)
		}, nil); err != nil {
			return err
		}
		path, err := sc.c.Reader().String()
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		fmt.Println(path)
		return nil
	}
	return c
}

func newGCCommand(g *globalConfig) *cobra.Command {
	var maxFreed uint64
	c := &cobra.Command{
		Use:                   "gc",
		Short:                 "delete unreachable store paths",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().Uint64Var(&maxFreed, "max-freed", 0, "stop once this many bytes have been freed (0 means unlimited)")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		sc, err := dialStore(cmd.Context(), g.StoreSocket)
		if err != nil {
			return err
		}
		defer sc.Close()

		if err := sc.call(wire.OpCollectGarbage, func(w *wire.Writer) error {
			return w.Uint64(maxFreed)
		}, nil); err != nil {
			return err
		}
		deleted, err := sc.c.Reader().StringList()
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		freed, err := sc.c.Reader().Uint64()
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		for _, p := range deleted {
			fmt.Println(p)
		}
		fmt.Fprintf(os.Stderr, "%d store paths deleted, %d bytes freed\n", len(deleted), freed)
		return nil
	}
	return c
}

// decodedPathInfo mirrors package daemon's on-the-wire field order for
// [store.ValidPathInfo] (see codec.go's writeValidPathInfo); the CLI
// decodes it by hand since the client and server are the only two
// parties to this wire format and neither needs the other's full
// store.ValidPathInfo type to do so.
type decodedPathInfo struct {
	path        string
	deriver     string
	narHash     []byte
	narHashAlgo string
	narSize     uint64
	references  []string
	self        bool
	ca          string
	sigs        []string
}

func decodeValidPathInfo(r *wire.Reader) (*decodedPathInfo, error) {
	info := new(decodedPathInfo)
	var err error
	if info.path, err = r.String(); err != nil {
		return nil, err
	}
	if info.deriver, err = r.String(); err != nil {
		return nil, err
	}
	if info.narHash, err = r.Bytes(); err != nil {
		return nil, err
	}
	if info.narHashAlgo, err = r.String(); err != nil {
		return nil, err
	}
	if info.narSize, err = r.Uint64(); err != nil {
		return nil, err
	}
	if info.references, err = r.StringList(); err != nil {
		return nil, err
	}
	if info.self, err = r.Bool(); err != nil {
		return nil, err
	}
	if _, err = r.Uint64(); err != nil { // registration time
		return nil, err
	}
	if _, err = r.Bool(); err != nil { // ultimate
		return nil, err
	}
	if info.ca, err = r.String(); err != nil {
		return nil, err
	}
	if info.sigs, err = r.StringList(); err != nil {
		return nil, err
	}
	return info, nil
}
