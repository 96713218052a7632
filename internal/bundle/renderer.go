package bundle

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fakeyudi/rewind/internal/replay"
)

const (
	versionSentinel = "<!-- rewind-bundle-version: 1 -->"
	dataPrefix      = "<!-- rewind-data: "
	dataSuffix      = " -->"
)

// Renderer serializes a Bundle to bytes.
type Renderer interface {
	Render(b *Bundle) ([]byte, error)
}

// RendererFor returns the renderer for format ("json" or "markdown").
func RendererFor(format string) (Renderer, error) {
	switch format {
	case "json":
		return &JSONRenderer{}, nil
	case "markdown", "md", "":
		return &MarkdownRenderer{}, nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// JSONRenderer renders a Bundle as indented JSON.
type JSONRenderer struct{}

func (r *JSONRenderer) Render(b *Bundle) ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// MarkdownRenderer renders a Bundle as human-readable Markdown with an
// embedded base64 JSON payload for lossless round-trip parsing.
type MarkdownRenderer struct{}

func (r *MarkdownRenderer) Render(b *Bundle) ([]byte, error) {
	jsonBytes, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(jsonBytes)

	var sb strings.Builder
	sb.WriteString(versionSentinel + "\n")
	fmt.Fprintf(&sb, "%s%s%s\n\n", dataPrefix, encoded, dataSuffix)

	fmt.Fprintf(&sb, "# Rewind: %s (%s)\n\n", b.ChallengeID, b.ExportedAt.Format("2006-01-02 15:04:05 MST"))

	sb.WriteString("## Tracks\n\n")
	summaries := b.Summaries()
	if len(summaries) == 0 {
		sb.WriteString("_No recordings._\n\n")
		return []byte(sb.String()), nil
	}
	sb.WriteString("| Track | Session | Events | Duration | Audio |\n")
	sb.WriteString("|-------|---------|--------|----------|-------|\n")
	for _, s := range summaries {
		audio := "none"
		if s.AudioRef != "" {
			audio = s.AudioRef
			if s.AudioBytes > 0 {
				audio += fmt.Sprintf(" (%d bytes)", s.AudioBytes)
			}
		}
		fmt.Fprintf(&sb, "| %d | %s | %d | %s | %s |\n",
			s.Track+1, s.SessionID, s.Events, replay.FormatClock(s.DurationMs), audio)
	}
	sb.WriteString("\n")

	sb.WriteString("## Integrity Events\n\n")
	listed := false
	for _, s := range summaries {
		for _, f := range s.Flags {
			fmt.Fprintf(&sb, "- Track %d: %s\n", s.Track+1, f)
			listed = true
		}
	}
	if !listed {
		sb.WriteString("_No integrity events recorded._\n")
	}
	sb.WriteString("\n")

	for _, rec := range b.Recordings {
		if rec.FinalCode == nil {
			continue
		}
		fmt.Fprintf(&sb, "## Final Code: Track %d\n\n", rec.TrackIndex+1)
		sb.WriteString("```\n")
		sb.WriteString(*rec.FinalCode)
		if !strings.HasSuffix(*rec.FinalCode, "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("```\n\n")
	}

	return []byte(sb.String()), nil
}
