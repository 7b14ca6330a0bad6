package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pairlink/pkg/codec"
	"pairlink/pkg/stanza"
)

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a stanza and list its extensions",
		Long: `Parse an XML stanza from a file, or stdin when no file is given, using
the installed extension providers. Elements no provider understands are
reported as raw.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			var in io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open stanza: %w", err)
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read stanza: %w", err)
			}

			s, err := codec.ParseStanza(data, newRegistry(), logger)
			if err != nil {
				return err
			}
			fmt.Println(renderStanza(s))
			return nil
		},
	}
}

func renderStanza(s *stanza.Stanza) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s stanza", s.Kind)))
	b.WriteString("\n")
	b.WriteString(field("id", s.ID) + "\n")
	b.WriteString(field("from", s.From.String()) + "\n")
	b.WriteString(field("to", s.To.String()) + "\n")
	if s.Type != "" {
		b.WriteString(field("type", s.Type) + "\n")
	}
	if s.HasBody {
		b.WriteString(field("body", fmt.Sprintf("%q", s.Body)) + "\n")
	}
	if len(s.Extensions) == 0 {
		b.WriteString(mutedStyle.Render("no extensions"))
		return b.String()
	}

	t := newTable("Namespace", "Element", "Decoded")
	for _, ext := range s.Extensions {
		decoded := okStyle.Render("yes")
		if _, raw := ext.(*stanza.RawElement); raw {
			decoded = failStyle.Render("raw")
		}
		t.Row(ext.Namespace(), ext.ElementName(), decoded)
	}
	b.WriteString(t.Render())
	return b.String()
}
