/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stash.kopano.io/kwm/kwmapprtc/bridge/callmgr"
	"stash.kopano.io/kwm/kwmapprtc/internal/call"
)

func commandCall() *cobra.Command {
	callCmd := &cobra.Command{
		Use:   "call <room>",
		Short: "Join a room and stay in the call until it ends",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runCall(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	addCallFlags(callCmd)

	return callCmd
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := loggerFromFlags(cmd)
	if err != nil {
		return err
	}
	config, err := configFromFlags(cmd, logger)
	if err != nil {
		return err
	}

	manager, err := callmgr.NewManager(ctx, config)
	if err != nil {
		return err
	}
	record, err := manager.StartCall(args[0])
	if err != nil {
		return fmt.Errorf("failed to start call: %w", err)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	var last call.State
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-record.Done():
			manager.Wait()
			if callErr := record.Err(); callErr != nil {
				return fmt.Errorf("call %s: %w", record.State(), callErr)
			}
			logger.Infoln("call ended")
			return nil
		case reason := <-signalCh:
			logger.WithField("signal", reason).Warnln("received signal, ending call")
			manager.EndCall(record.ID)
		case <-ticker.C:
			if state := record.State(); state != last {
				logger.WithFields(logrus.Fields{
					"call":  record.ID,
					"state": state.String(),
				}).Infoln("call state")
				last = state
			}
		}
	}
}
