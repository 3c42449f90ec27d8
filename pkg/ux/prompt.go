// Copyright (C) 2026 Svalbard AI (mhalvorsen@svalbard.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"errors"

	"github.com/charmbracelet/huh"
)

// PromptOption describes a single selectable choice in a prompt
type PromptOption struct {
	Label       string
	Description string
	Value       string
	Recommended bool
}

// Confirm presents a themed yes/no prompt and reports the choice.
// Esc and ctrl+c count as declining. Callers should check IsInteractive
// before prompting.
func Confirm(title, description, affirmative, negative string) (bool, error) {
	confirmed := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(truncate(title, 60)).
				Description(description).
				Affirmative(affirmative).
				Negative(negative).
				Value(&confirmed),
		),
	).WithTheme(arcticTheme())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return confirmed, nil
}

// Select presents a themed single-choice prompt and returns the chosen value.
// Aborting the prompt surfaces huh.ErrUserAborted to the caller.
func Select(title string, options []PromptOption) (string, error) {
	huhOptions := make([]huh.Option[string], 0, len(options))
	for _, opt := range options {
		huhOptions = append(huhOptions, huh.NewOption(optionLabel(opt), opt.Value))
	}

	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(truncate(title, 60)).
				Options(huhOptions...).
				Value(&choice),
		),
	).WithTheme(arcticTheme())

	if err := form.Run(); err != nil {
		return "", err
	}
	return choice, nil
}

// optionLabel renders a PromptOption as a single display line
func optionLabel(opt PromptOption) string {
	label := opt.Label
	if opt.Description != "" {
		label += " " + Styles.Muted.Render("("+opt.Description+")")
	}
	if opt.Recommended {
		label += " " + Styles.Success.Render("(recommended)")
	}
	return label
}

// arcticTheme returns the huh form theme matching the Svalbard palette
func arcticTheme() *huh.Theme {
	t := huh.ThemeBase()

	t.Focused.Title = t.Focused.Title.Foreground(ColorTealBright).Bold(true)
	t.Focused.Description = t.Focused.Description.Foreground(ColorSlate)
	t.Focused.Base = t.Focused.Base.BorderForeground(ColorTealDeep)
	t.Focused.SelectSelector = t.Focused.SelectSelector.Foreground(ColorTealPrimary)
	t.Focused.SelectedOption = t.Focused.SelectedOption.Foreground(ColorTealBright)
	t.Focused.FocusedButton = t.Focused.FocusedButton.Background(ColorTealPrimary).Foreground(ColorDarkest)
	t.Focused.BlurredButton = t.Focused.BlurredButton.Background(ColorMidnight).Foreground(ColorSlate)
	t.Focused.ErrorMessage = t.Focused.ErrorMessage.Foreground(ColorError)

	t.Blurred.Title = t.Blurred.Title.Foreground(ColorTealOcean)
	t.Blurred.Description = t.Blurred.Description.Foreground(ColorSlate)

	return t
}

// truncate shortens s to maxLen characters, ending with "..." when cut
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
