package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"bytecache/pkg/image"
	"bytecache/pkg/logging"
	"bytecache/pkg/shutdown"
	"bytecache/pkg/verify"
)

var (
	pullPolicy   string
	pullUsername string
	pullPassword string
	getOutput    string
)

var pullCmd = &cobra.Command{
	Use:   "pull [image]",
	Short: "Pull a bytecode image into the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := image.ParsePullPolicy(pullPolicy)
		if err != nil {
			return err
		}

		verifier, err := newVerifier(cmd.Context())
		if err != nil {
			return err
		}

		return withManager(verifier, func(svc image.Service) error {
			res, err := svc.Pull(cmd.Context(), image.NewBytecodeImage(args[0], policy, pullUsername, pullPassword))
			if err != nil {
				return fmt.Errorf("failed to pull %s: %w", args[0], err)
			}
			fmt.Printf("Image cached under %s (function %s)\n", res.Prefix, res.FunctionName)
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get [prefix]",
	Short: "Write the cached bytecode stored under a prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(noVerifier, func(svc image.Service) error {
			data, err := svc.GetBytecode(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get bytecode for %s: %w", args[0], err)
			}

			if getOutput == "" || getOutput == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(getOutput, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", getOutput, err)
			}
			fmt.Fprintf(os.Stderr, "Wrote %d bytes to %s\n", len(data), getOutput)
			return nil
		})
	},
}

// noVerifier backs commands that never pull.
var noVerifier = verify.Func(func(context.Context, string, *string, *string) error {
	return errors.New("signature verification is not configured for this command")
})

// withManager runs a manager for the duration of fn and shuts it down
// afterwards, flushing the store.
func withManager(verifier verify.Verifier, fn func(image.Service) error) error {
	mgr, store, err := newImageManager(prometheus.NewRegistry(), verifier)
	if err != nil {
		return err
	}
	defer store.Close()

	sh := shutdown.NewHandler(logging.Component("bytecached"))
	go mgr.Run(sh.Done())

	err = fn(mgr)
	sh.Trigger("command complete")
	<-mgr.Done()
	return err
}

func init() {
	pullCmd.Flags().StringVar(&pullPolicy, "pull-policy", "IfNotPresent", "Pull policy (Always, IfNotPresent, Never)")
	pullCmd.Flags().StringVarP(&pullUsername, "username", "u", "", "Registry username")
	pullCmd.Flags().StringVarP(&pullPassword, "password", "p", "", "Registry password")

	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "Output file (default stdout)")
}
