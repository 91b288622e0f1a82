package admin

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
)

// Column renders one table column of T.
type Column[T any] struct {
	Header string
	Value  func(T) string
}

// Screen is a list/create view over one remote collection. The list shown is
// always the server's: creates are followed by a reload, never merged locally.
type Screen[T any, C any] struct {
	Title   string
	Empty   string
	Columns []Column[T]

	list   func(ctx context.Context) ([]T, error)
	create func(ctx context.Context, in C) (T, error)

	mu    sync.Mutex
	items []T
}

func NewScreen[T any, C any](title string, list func(context.Context) ([]T, error), create func(context.Context, C) (T, error), cols ...Column[T]) *Screen[T, C] {
	return &Screen[T, C]{
		Title:   title,
		Empty:   fmt.Sprintf("No %s found.", strings.ToLower(title)),
		Columns: cols,
		list:    list,
		create:  create,
	}
}

// Load fetches the list. It is used both on open and on refresh.
// On failure the previously loaded items are kept.
func (s *Screen[T, C]) Load(ctx context.Context) error {
	items, err := s.list(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	return nil
}

// Create submits in and, on success, reloads the authoritative list.
// The created item is returned even if the reload fails.
func (s *Screen[T, C]) Create(ctx context.Context, in C) (T, error) {
	created, err := s.create(ctx, in)
	if err != nil {
		return created, err
	}
	if err := s.Load(ctx); err != nil {
		return created, fmt.Errorf("created, but failed to reload %s: %w", strings.ToLower(s.Title), err)
	}
	return created, nil
}

// Items returns a copy of the last loaded list.
func (s *Screen[T, C]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T(nil), s.items...)
}

// Render writes the list as an aligned table, one row per item.
func (s *Screen[T, C]) Render(out io.Writer) error {
	items := s.Items()
	if len(items) == 0 {
		_, err := fmt.Fprintln(out, s.Empty)
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	headers := make([]string, len(s.Columns))
	rules := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		headers[i] = c.Header
		rules[i] = strings.Repeat("-", len(c.Header))
	}
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	fmt.Fprintln(w, strings.Join(rules, "\t"))

	row := make([]string, len(s.Columns))
	for _, item := range items {
		for i, c := range s.Columns {
			row[i] = c.Value(item)
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}
