package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/MrWong99/tavern/internal/personafile"
	"github.com/MrWong99/tavern/internal/personamatch"
	"github.com/MrWong99/tavern/internal/retention"
	"github.com/MrWong99/tavern/pkg/chatstore"
)

// errUsage reports a malformed command line; the flag set has already
// printed the details.
var errUsage = errors.New("usage")

type admin struct {
	store   chatstore.Store
	in      *bufio.Reader
	out     io.Writer
	matcher *personamatch.Matcher
	sweeper *retention.Sweeper
}

func newAdmin(store chatstore.Store, in io.Reader, out io.Writer) *admin {
	return &admin{
		store:   store,
		in:      bufio.NewReader(in),
		out:     out,
		matcher: personamatch.New(),
		sweeper: retention.New(store),
	}
}

func (a *admin) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "list":
		return a.list(ctx)
	case "show":
		return a.show(ctx, args)
	case "add":
		return a.add(ctx, args)
	case "edit":
		return a.edit(ctx, args)
	case "delete":
		return a.delete(ctx, args)
	case "search":
		return a.search(ctx, args)
	case "import":
		return a.importFile(ctx, args)
	case "export":
		return a.export(ctx, args)
	case "stats":
		return a.stats(ctx, args)
	case "purge":
		return a.purge(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *admin) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

// ── Personas ──

func (a *admin) list(ctx context.Context) error {
	ps, err := a.store.ListPersonas(ctx)
	if err != nil {
		return err
	}
	if len(ps) == 0 {
		fmt.Fprintln(a.out, "No personas.")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tUNREAD\tLAST MESSAGE")
	for _, p := range ps {
		fmt.Fprintf(tw, "%s\t%s %s\t%s\t%d\t%s\n", p.ID, p.Avatar, p.Name, p.Status, p.UnreadCount, preview(p.LastMessage))
	}
	return tw.Flush()
}

func (a *admin) show(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("show: expected exactly one persona id")
	}
	p, err := a.store.GetPersona(ctx, args[0])
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("persona %q: %w", args[0], chatstore.ErrNotFound)
	}
	return personafile.Encode(a.out, []chatstore.Persona{*p})
}

func (a *admin) add(ctx context.Context, args []string) error {
	fs := a.flags("add")
	var p chatstore.Persona
	status := fs.String("status", string(chatstore.StatusOnline), "online or offline")
	fs.StringVar(&p.ID, "id", "", "persona id (required)")
	fs.StringVar(&p.Name, "name", "", "display name (required)")
	fs.StringVar(&p.Avatar, "avatar", "", "avatar, usually an emoji")
	fs.StringVar(&p.Description, "description", "", "short description")
	fs.StringVar(&p.Prompt, "prompt", "", "persona instruction text; @file reads it from a file")
	if err := parse(fs, args); err != nil {
		return err
	}
	p.Status = chatstore.Status(*status)

	prompt, err := readAt(p.Prompt)
	if err != nil {
		return err
	}
	p.Prompt = prompt

	if err := a.store.CreatePersona(ctx, &p); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Added %s (%s).\n", p.Name, p.ID)
	return nil
}

func (a *admin) edit(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("edit: expected a persona id")
	}
	id := args[0]
	fs := a.flags("edit")
	name := fs.String("name", "", "new display name")
	avatar := fs.String("avatar", "", "new avatar")
	description := fs.String("description", "", "new description")
	status := fs.String("status", "", "online or offline")
	prompt := fs.String("prompt", "", "new instruction text; @file reads it from a file")
	if err := parse(fs, args[1:]); err != nil {
		return err
	}

	var patch chatstore.PersonaPatch
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			patch.Name = name
		case "avatar":
			patch.Avatar = avatar
		case "description":
			patch.Description = description
		case "status":
			s := chatstore.Status(*status)
			patch.Status = &s
		case "prompt":
			patch.Prompt = prompt
		}
	})
	if patch.IsEmpty() {
		return errors.New("edit: nothing to change")
	}
	if patch.Prompt != nil {
		text, err := readAt(*patch.Prompt)
		if err != nil {
			return err
		}
		patch.Prompt = &text
	}

	p, err := a.store.UpdatePersona(ctx, id, patch)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Updated %s (%s).\n", p.Name, p.ID)
	return nil
}

func (a *admin) delete(ctx context.Context, args []string) error {
	fs := a.flags("delete")
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("delete: expected exactly one persona id")
	}
	id := fs.Arg(0)

	p, err := a.store.GetPersona(ctx, id)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("persona %q: %w", id, chatstore.ErrNotFound)
	}
	if !*yes && !a.confirm(fmt.Sprintf("Delete %s (%s) and all of its conversations?", p.Name, p.ID)) {
		fmt.Fprintln(a.out, "Cancelled.")
		return nil
	}
	if err := a.store.DeletePersona(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted %s.\n", id)
	return nil
}

func (a *admin) search(ctx context.Context, args []string) error {
	query := strings.Join(args, " ")
	if strings.TrimSpace(query) == "" {
		return errors.New("search: expected a query")
	}
	ps, err := a.store.ListPersonas(ctx)
	if err != nil {
		return err
	}
	found := a.matcher.Rank(query, ps)
	if len(found) == 0 {
		fmt.Fprintf(a.out, "No persona matches %q.\n", query)
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tID\tNAME\tDESCRIPTION")
	for _, c := range found {
		fmt.Fprintf(tw, "%.2f\t%s\t%s\t%s\n", c.Score, c.Persona.ID, c.Persona.Name, preview(c.Persona.Description))
	}
	return tw.Flush()
}

// ── Files ──

func (a *admin) importFile(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("import: expected exactly one file")
	}
	f, err := personafile.LoadFile(args[0])
	if err != nil {
		return err
	}
	res, err := personafile.Import(ctx, a.store, f)
	for _, invalid := range res.Invalid {
		fmt.Fprintf(a.out, "rejected: %v\n", invalid)
	}
	fmt.Fprintf(a.out, "Imported %d, skipped %d existing, rejected %d.\n", res.Imported, res.Skipped, len(res.Invalid))
	return err
}

func (a *admin) export(ctx context.Context, args []string) error {
	w := a.out
	if len(args) > 1 {
		return errors.New("export: expected at most one file")
	}
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	n, err := personafile.Export(ctx, a.store, w)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		fmt.Fprintf(a.out, "Exported %d personas to %s.\n", n, args[0])
	}
	return nil
}

// ── Conversations ──

func (a *admin) stats(ctx context.Context, args []string) error {
	fs := a.flags("stats")
	personaID := fs.String("persona", "", "restrict conversation counters to one persona")
	if err := parse(fs, args); err != nil {
		return err
	}
	ps, err := a.store.ListPersonas(ctx)
	if err != nil {
		return err
	}
	st, err := a.store.Stats(ctx, *personaID)
	if err != nil {
		return err
	}
	counts := chatstore.SummarizePersonas(ps)

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "personas\t%d\n", counts.Total)
	fmt.Fprintf(tw, "online\t%d\n", counts.Online)
	fmt.Fprintf(tw, "offline\t%d\n", counts.Offline)
	fmt.Fprintf(tw, "unread\t%d\n", counts.TotalUnread)
	fmt.Fprintf(tw, "conversations\t%d\n", st.TotalConversations)
	fmt.Fprintf(tw, "messages\t%d\n", st.TotalMessages)
	fmt.Fprintf(tw, "avg messages\t%.2f\n", st.AvgMessages)
	return tw.Flush()
}

func (a *admin) purge(ctx context.Context, args []string) error {
	fs := a.flags("purge")
	days := fs.Int("days", -1, "inactivity window in days (required)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *days < 0 {
		return errors.New("purge: -days is required")
	}
	n, err := a.sweeper.PurgeInactive(ctx, *days)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Purged %d conversations idle for more than %d days.\n", n, *days)
	return nil
}

// ── Helpers ──

func (a *admin) confirm(question string) bool {
	fmt.Fprintf(a.out, "%s [y/N] ", question)
	line, _ := a.in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// readAt returns s, or the contents of the named file when s starts with @.
func readAt(s string) (string, error) {
	path, ok := strings.CutPrefix(s, "@")
	if !ok {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 40 {
		return string(r[:39]) + "…"
	}
	return s
}
