package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/coordinator"
)

// bookFlags are the editable fields shared by add and update.
type bookFlags struct {
	title       string
	author      string
	status      string
	rating      int
	description string
	notes       string
	cover       string
}

func (f *bookFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "book title")
	cmd.Flags().StringVar(&f.author, "author", "", "book author")
	cmd.Flags().StringVar(&f.status, "status", "", "reading status (want_to_read|reading|read)")
	cmd.Flags().IntVar(&f.rating, "rating", 0, "rating from 0 to 5")
	cmd.Flags().StringVar(&f.description, "description", "", "short description")
	cmd.Flags().StringVar(&f.notes, "notes", "", "personal notes")
	cmd.Flags().StringVar(&f.cover, "cover", "", "cover image URL")
}

// patch returns the fields whose flags were set on cmd.
func (f *bookFlags) patch(cmd *cobra.Command) (book.Payload, error) {
	p := book.Payload{}
	set := func(flag, key string, v any) {
		if cmd.Flags().Changed(flag) {
			p[key] = v
		}
	}
	set("title", "title", f.title)
	set("author", "author", f.author)
	set("rating", "rating", f.rating)
	set("description", "description", f.description)
	set("notes", "notes", f.notes)
	set("cover", "coverImage", f.cover)
	if cmd.Flags().Changed("status") {
		s, err := book.ParseStatus(f.status)
		if err != nil {
			return nil, err
		}
		p["status"] = string(s)
	}
	return p, nil
}

// bookView renders one record.
type bookView book.Book

func (b bookView) String() string {
	line := fmt.Sprintf("%s  %s by %s", b.ID, b.Title, b.Author)
	if b.Status != "" {
		line += fmt.Sprintf(" [%s]", b.Status)
	}
	if b.Rating > 0 {
		line += fmt.Sprintf(" %s", strings.Repeat("*", b.Rating))
	}
	if b.Offline {
		line += " (pending sync)"
	}
	return line
}

// listView renders the collection as a table.
type listView []book.Book

func (l listView) String() string {
	if len(l) == 0 {
		return "No books."
	}
	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tAUTHOR\tSTATUS\tRATING\tSYNC")
	for _, b := range l {
		state := "synced"
		if b.Offline {
			state = "pending"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", b.ID, b.Title, b.Author, b.Status, b.Rating, state)
	}
	_ = tw.Flush()
	return strings.TrimRight(sb.String(), "\n")
}

// NewAddCommand creates the add command.
func NewAddCommand(opts *RootOptions) *cobra.Command {
	flags := &bookFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a book to the collection",
		Long: `Add a book to the collection.

Online, the book is written to the remote collection at once. Offline it is
queued with a temporary id and synced when connectivity returns.

Example:
  shelf add --title "Dune" --author "Frank Herbert" --status reading`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.patch(cmd)
			if err != nil {
				return classify("invalid book", err)
			}
			b, err := book.FromPayload("", p)
			if err != nil {
				return classify("invalid book", err)
			}

			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), oneShot)
			if err != nil {
				return err
			}
			defer a.Close()

			added, err := a.coord.Add(cmd.Context(), b)
			if errors.Is(err, coordinator.ErrDuplicate) {
				_ = opts.formatter(cmd).Error(ExitFailure, "already in collection", bookView(added))
				return classify("add failed", err)
			}
			if err != nil {
				return classify("add failed", err)
			}
			return opts.formatter(cmd).Success(bookView(added))
		},
	}
	flags.register(cmd)
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(opts *RootOptions) *cobra.Command {
	flags := &bookFlags{}
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a book",
		Long: `Change fields of a book. Only the flags given are written.

Example:
  shelf update 42 --rating 5 --status read`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.patch(cmd)
			if err != nil {
				return classify("invalid update", err)
			}
			if len(p) == 0 {
				return NewExitError(ExitCommandError, "nothing to update: give at least one field flag")
			}

			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), oneShot)
			if err != nil {
				return err
			}
			defer a.Close()

			updated, err := a.coord.Update(cmd.Context(), args[0], p)
			if err != nil {
				return classify("update failed", err)
			}
			return opts.formatter(cmd).Success(bookView(updated))
		},
	}
	flags.register(cmd)
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a book from the collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), oneShot)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.coord.Delete(cmd.Context(), args[0]); err != nil {
				return classify("delete failed", err)
			}
			return opts.formatter(cmd).Success(message(fmt.Sprintf("Deleted %s.", args[0])))
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the collection",
		Long: `List the collection. Records not yet confirmed by the remote are marked
as pending.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), oneShot)
			if err != nil {
				return err
			}
			defer a.Close()
			return opts.formatter(cmd).Success(listView(a.coord.List()))
		},
	}
}
