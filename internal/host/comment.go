package host

import (
	"fmt"

	"github.com/repoautomator/prmirror/internal/config"
)

// Anchor locates a review comment in a diff. Only GitHub exposes it in a
// form that can be compared across pull requests.
type Anchor struct {
	CommitID  string
	Path      string
	Position  int
	StartLine int
	StartSide string
	Line      int
	Side      string
}

// Comment is the canonical comment. Body is what the host renders (GitHub
// markdown, Bitbucket HTML) and Raw is the source text the author typed.
type Comment struct {
	ID     int64
	Body   string
	Raw    string
	Author string
	Anchor *Anchor
}

// Text is what gets posted when the comment is replicated.
func (c Comment) Text() string {
	if c.Raw != "" {
		return c.Raw
	}
	return c.Body
}

// PositionKey identifies where a comment sits in the diff. Comments without
// an anchor, or with an empty one, share the empty key.
func (c Comment) PositionKey() string {
	if c.Anchor == nil || *c.Anchor == (Anchor{}) {
		return ""
	}
	a := c.Anchor
	return fmt.Sprintf("%s:%s:%d:%d:%s:%d:%s", a.CommitID, a.Path, a.Position, a.StartLine, a.StartSide, a.Line, a.Side)
}

// MatchFunc reports whether a secondary comment already has its counterpart
// among the primary comments.
type MatchFunc func(secondary, primary Comment) bool

// Matcher returns the equality predicate for a host pair. Between two GitHub
// pull requests the body and full anchor are compared. As soon as Bitbucket is
// involved only the text can be compared.
func Matcher(primary, secondary config.HostKind) MatchFunc {
	if primary == config.GitHub && secondary == config.GitHub {
		return structuralMatch
	}
	return textMatch
}

func structuralMatch(s, p Comment) bool {
	return s.Body == p.Body && s.PositionKey() == p.PositionKey()
}

// textMatch also compares against the raw text, since a comment replicated
// from another host is posted as its raw text and rendered anew.
func textMatch(s, p Comment) bool {
	switch {
	case s.Body == p.Body:
		return true
	case s.Body == p.Raw:
		return true
	case s.Raw != "" && s.Raw == p.Raw:
		return true
	}
	return false
}

// Missing returns the secondary comments without a match in primary, in
// their original order.
func Missing(secondary, primary []Comment, match MatchFunc) []Comment {
	var missing []Comment
	for _, s := range secondary {
		found := false
		for _, p := range primary {
			if match(s, p) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, s)
		}
	}
	return missing
}
