/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Command caldavsupervisor is the top-level entry point: it resolves the
// CLI flags into a snapshot.Config and hands the result to the
// orchestrator. Request handling, storage and auth live in external
// collaborators; this binary only ever constructs the core's inputs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/caldavsupervisor/core/internal/clock"
	"github.com/caldavsupervisor/core/internal/logx"
	"github.com/caldavsupervisor/core/internal/supervisor"
	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagOptions []string
	flagUser    string
	flagGroup   string
	flagLogLvl  string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "caldavsupervisor",
		Short:         "Process supervisor and connection dispatcher for the CalDAV/CardDAV server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.Flags().StringVar(&flagConfig, "config", "", "path to the configuration file")
	cmd.Flags().StringArrayVarP(&flagOptions, "option", "o", nil, "override a configuration leaf: key=value (repeatable)")
	cmd.Flags().StringVarP(&flagUser, "user", "u", "", "run workers as this user")
	cmd.Flags().StringVarP(&flagGroup, "group", "g", "", "run workers as this group")
	cmd.Flags().StringVar(&flagLogLvl, "log-level", "info", "log level: "+fmt.Sprint(logx.GetLevelListString()))

	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(flagConfig, flagOptions, flagUser, flagGroup)
	if err != nil {
		return err
	}

	log := logx.New(logx.GetLevelString(flagLogLvl), logx.Options{})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch := supervisor.New(cfg, log, clock.New(), nil)
	return orch.Run(ctx)
}

func main() {
	cmd := newRootCmd()
	cmd.SetContext(context.Background())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
