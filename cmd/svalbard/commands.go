// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/SvalbardAI/SvalbardDocs/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	gatewayURL       string
	personalityLevel string // UX personality level (full/standard/minimal/machine)
	jsonOutput       bool
	pullPlain        bool
	removeForce      bool
	historyLimit     int

	rootCmd = &cobra.Command{
		Use:   "svalbard",
		Short: "A cli to manage the Svalbard private document AI appliance",
		Long: `Svalbard is a tool for running a complete, offline document AI
				stack on your own hardware: the models behind it, the gateway
				that serves them, and the engine that answers with them.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	// --- Model Management ---
	modelsCmd = &cobra.Command{
		Use:   "models",
		Short: "Manage the chat and embedding models behind the gateway",
	}
	listModelsCmd = &cobra.Command{
		Use:   "list",
		Short: "List installed models and the known catalog",
		Run:   runListModels, // Defined in cmd_models.go
	}
	pullModelCmd = &cobra.Command{
		Use:   "pull [model]",
		Short: "Download a model through the gateway with live progress",
		Args:  cobra.ExactArgs(1),
		Run:   runPullModel, // Defined in cmd_models.go
	}
	cancelPullCmd = &cobra.Command{
		Use:   "cancel [model]",
		Short: "Cancel a running model download",
		Args:  cobra.ExactArgs(1),
		Run:   runCancelPull, // Defined in cmd_models.go
	}
	removeModelCmd = &cobra.Command{
		Use:     "rm [model]",
		Aliases: []string{"remove"},
		Short:   "Delete an installed model from its provider",
		Args:    cobra.ExactArgs(1),
		Run:     runRemoveModel, // Defined in cmd_models.go
	}
	activateModelCmd = &cobra.Command{
		Use:   "activate [model]",
		Short: "Bind the inference engine to an installed model",
		Args:  cobra.ExactArgs(1),
		Run:   runActivateModel, // Defined in cmd_models.go
	}
	transfersCmd = &cobra.Command{
		Use:   "transfers",
		Short: "Show model downloads currently in flight",
		Run:   runTransfers, // Defined in cmd_models.go
	}
	modelHistoryCmd = &cobra.Command{
		Use:   "history",
		Short: "Show the model lifecycle journal, newest first",
		Run:   runModelHistory, // Defined in cmd_models.go
	}
	modelStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show provider health, the active model, and journal stats",
		Run:   runModelStatus, // Defined in cmd_models.go
	}
)

// init runs when the Go program starts
func init() {
	// Global UX personality flag
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default, rich arctic), standard, minimal, or machine (scripting)")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "",
		"Model gateway URL (default: $SVALBARD_GATEWAY_URL or http://localhost:12310)")

	// --- Model Commands ---
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output as JSON for scripting")

	modelsCmd.AddCommand(listModelsCmd)
	modelsCmd.AddCommand(pullModelCmd)
	pullModelCmd.Flags().BoolVar(&pullPlain, "plain", false,
		"Line-by-line progress instead of the live view")
	modelsCmd.AddCommand(cancelPullCmd)
	modelsCmd.AddCommand(removeModelCmd)
	removeModelCmd.Flags().BoolVar(&removeForce, "force", false,
		"Skip the confirmation prompt")
	modelsCmd.AddCommand(activateModelCmd)
	modelsCmd.AddCommand(transfersCmd)
	modelsCmd.AddCommand(modelHistoryCmd)
	modelHistoryCmd.Flags().IntVar(&historyLimit, "limit", 50,
		"Maximum journal records to show")
	modelsCmd.AddCommand(modelStatusCmd)
}
