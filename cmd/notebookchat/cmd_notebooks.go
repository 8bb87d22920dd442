// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/notebookchat/pkg/backend"
	"github.com/AleutianAI/notebookchat/pkg/selection"
	"github.com/AleutianAI/notebookchat/pkg/ux"
)

// --- Notebooks ---

func runListNotebooks(cmd *cobra.Command, _ []string) error {
	notebooks, err := cli.Backend.ListNotebooks(cmd.Context())
	if err != nil {
		return err
	}
	if len(notebooks) == 0 {
		cli.Printer.Muted("No notebooks. Create one with `notebookchat notebooks create <name>`.")
		return nil
	}
	machine := ux.GetPersonality().Level == ux.PersonalityMachine
	for _, nb := range notebooks {
		if machine {
			cli.Printer.Raw(fmt.Sprintf("%s\t%s\n", nb.ID, nb.Name))
			continue
		}
		cli.Printer.Info(fmt.Sprintf("%s  %s", ux.Styles.Bold.Render(nb.Name), ux.Styles.Muted.Render(nb.ID)))
	}
	return nil
}

func runCreateNotebook(cmd *cobra.Command, args []string) error {
	nb, err := cli.Backend.CreateNotebook(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	cli.Printer.Success(fmt.Sprintf("created notebook %s (%s)", nb.Name, nb.ID))
	return nil
}

func runDeleteNotebook(cmd *cobra.Command, args []string) error {
	id, err := cli.ResolveNotebook(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := cli.Backend.DeleteNotebook(cmd.Context(), id); err != nil {
		return err
	}
	cli.Printer.Success("deleted notebook " + id)
	return nil
}

// --- Documents ---

func runListDocuments(cmd *cobra.Command, _ []string) error {
	id, err := cli.ResolveNotebook(cmd.Context(), "")
	if err != nil {
		return err
	}
	docs, err := cli.Backend.ListDocuments(cmd.Context(), id)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	cli.Printer.Raw(ux.RenderDocuments(docs, selection.New(ids).Snapshot()) + "\n")
	return nil
}

func runUploadDocuments(cmd *cobra.Command, args []string) error {
	id, err := cli.ResolveNotebook(cmd.Context(), "")
	if err != nil {
		return err
	}
	for _, path := range args {
		if err := uploadFile(cmd, id, path); err != nil {
			return err
		}
	}
	return nil
}

func uploadFile(cmd *cobra.Command, notebookID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	doc, err := cli.Backend.UploadDocument(cmd.Context(), notebookID, filepath.Base(path), f)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	cli.Printer.Success(fmt.Sprintf("uploaded [%d] %s", doc.Order, doc.Filename))
	return nil
}

func runDeleteDocument(cmd *cobra.Command, args []string) error {
	id, err := cli.ResolveNotebook(cmd.Context(), "")
	if err != nil {
		return err
	}
	docs, err := cli.Backend.ListDocuments(cmd.Context(), id)
	if err != nil {
		return err
	}
	doc, err := lookupDocument(docs, args[0])
	if err != nil {
		return err
	}
	if err := cli.Backend.DeleteDocument(cmd.Context(), id, doc.ID); err != nil {
		return err
	}
	cli.Printer.Success(fmt.Sprintf("deleted [%d] %s", doc.Order, doc.Filename))
	return nil
}

func runReorderDocuments(cmd *cobra.Command, args []string) error {
	id, err := cli.ResolveNotebook(cmd.Context(), "")
	if err != nil {
		return err
	}
	docs, err := cli.Backend.ListDocuments(cmd.Context(), id)
	if err != nil {
		return err
	}
	order := make([]string, 0, len(args))
	for _, ref := range args {
		doc, err := lookupDocument(docs, ref)
		if err != nil {
			return err
		}
		order = append(order, doc.ID)
	}

	reordered, err := cli.Backend.ReorderDocuments(cmd.Context(), id, order)
	if err != nil {
		return err
	}
	cli.Printer.Raw(ux.RenderDocuments(reordered, selection.New(order).Snapshot()) + "\n")
	return nil
}

// lookupDocument finds a document by citation number or id.
func lookupDocument(docs []backend.Document, ref string) (backend.Document, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		for _, d := range docs {
			if d.Order == n {
				return d, nil
			}
		}
		return backend.Document{}, fmt.Errorf("no document number %d", n)
	}
	for _, d := range docs {
		if d.ID == ref {
			return d, nil
		}
	}
	return backend.Document{}, fmt.Errorf("no document %q", ref)
}

// --- Notes and saved citations ---

func runListNotes(cmd *cobra.Command, _ []string) error {
	id, err := cli.ResolveNotebook(cmd.Context(), "")
	if err != nil {
		return err
	}
	notes, err := cli.Backend.ListNotes(cmd.Context(), id)
	if err != nil {
		return err
	}
	if len(notes) == 0 {
		cli.Printer.Muted("(no notes)")
		return nil
	}
	for _, n := range notes {
		cli.Printer.Box(n.Title, n.Content)
	}
	return nil
}

func runAddNote(cmd *cobra.Command, args []string) error {
	id, err := cli.ResolveNotebook(cmd.Context(), "")
	if err != nil {
		return err
	}
	note, err := cli.Backend.CreateNote(cmd.Context(), id, backend.CreateNoteRequest{
		Title:   args[0],
		Content: strings.Join(args[1:], " "),
	})
	if err != nil {
		return err
	}
	cli.Printer.Success("added note " + note.Title)
	return nil
}

func runListSavedCitations(cmd *cobra.Command, _ []string) error {
	id, err := cli.ResolveNotebook(cmd.Context(), "")
	if err != nil {
		return err
	}
	saved, err := cli.Backend.ListSavedCitations(cmd.Context(), id)
	if err != nil {
		return err
	}
	if len(saved) == 0 {
		cli.Printer.Muted("(no saved citations)")
		return nil
	}
	for _, s := range saved {
		line := fmt.Sprintf("[%d] %s", s.Citation.DocumentOrder, s.Citation.Filename)
		if loc := ux.FormatLocation(s.Citation.Location); loc != "" {
			line += " (" + loc + ")"
		}
		cli.Printer.Info(line + "  " + ux.Truncate(s.Citation.Text, 80))
	}
	return nil
}
