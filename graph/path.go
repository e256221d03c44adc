package graph

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidPath is returned for graph paths that do not parse.
var ErrInvalidPath = errors.New("invalid graph path")

// Direction is the orientation of one hop.
type Direction string

const (
	Outbound Direction = "-->"
	Inbound  Direction = "<--"
)

// ViewStep is the step type that matches content view super-nodes. Its ids are view
// slugs, as in (ContentView[austen-novels]).
const ViewStep = "ContentView"

// Step is one node pattern of a path, optionally restricted to entity ids.
type Step struct {
	Type string
	IDs  []string
}

// Hop moves from the previous step to Step along Direction.
type Hop struct {
	Direction Direction
	Step      Step
}

// Path is a parsed traversal. Start is always the type whose ids the path yields.
type Path struct {
	Start Step
	Hops  []Hop
}

var stepPattern = regexp.MustCompile(`^\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*(?:\[([^\]]*)\])?\s*\)`)

// ParsePath parses a chain of (Type), (Type[id1,id2]), --> and <-- tokens. Whitespace
// between tokens is optional. A path that begins with an arrow is anchored on
// targetType; otherwise its first step must be of targetType.
func ParsePath(raw, targetType string) (*Path, error) {
	rest := strings.TrimSpace(raw)
	if rest == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	var p *Path
	var pending Direction
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, string(Outbound)), strings.HasPrefix(rest, string(Inbound)):
			if pending != "" {
				return nil, fmt.Errorf("%w: consecutive arrows at %q", ErrInvalidPath, rest)
			}
			pending = Direction(rest[:3])
			if p == nil {
				p = &Path{Start: Step{Type: targetType}}
			}
			rest = rest[3:]
		case rest[0] == '(':
			m := stepPattern.FindStringSubmatch(rest)
			if m == nil {
				return nil, fmt.Errorf("%w: malformed step at %q", ErrInvalidPath, rest)
			}
			step, err := parseStep(m)
			if err != nil {
				return nil, err
			}
			switch {
			case p == nil:
				if step.Type != targetType {
					return nil, fmt.Errorf("%w: path must start at %s, not %s", ErrInvalidPath, targetType, step.Type)
				}
				p = &Path{Start: step}
			case pending == "":
				return nil, fmt.Errorf("%w: missing arrow before %q", ErrInvalidPath, m[0])
			default:
				p.Hops = append(p.Hops, Hop{Direction: pending, Step: step})
				pending = ""
			}
			rest = rest[len(m[0]):]
		default:
			return nil, fmt.Errorf("%w: unexpected input at %q", ErrInvalidPath, rest)
		}
		rest = strings.TrimLeft(rest, " \t\r\n")
	}
	if pending != "" {
		return nil, fmt.Errorf("%w: path ends with an arrow", ErrInvalidPath)
	}
	return p, nil
}

func parseStep(m []string) (Step, error) {
	step := Step{Type: m[1]}
	if strings.Contains(m[0], "[") {
		for _, id := range strings.Split(m[2], ",") {
			if id = strings.TrimSpace(id); id != "" {
				step.IDs = append(step.IDs, id)
			}
		}
		if len(step.IDs) == 0 {
			return Step{}, fmt.Errorf("%w: empty id filter on %s", ErrInvalidPath, step.Type)
		}
	}
	return step, nil
}

// Types returns the distinct content types the path visits, starting with the anchor.
// View steps are not included.
func (p *Path) Types() []string {
	seen := map[string]bool{p.Start.Type: true}
	out := []string{p.Start.Type}
	for _, h := range p.Hops {
		if h.Step.Type != ViewStep && !seen[h.Step.Type] {
			seen[h.Step.Type] = true
			out = append(out, h.Step.Type)
		}
	}
	return out
}

// Views returns the slugs named by the path's view steps.
func (p *Path) Views() []string {
	var out []string
	for _, h := range p.Hops {
		if h.Step.Type == ViewStep {
			out = append(out, h.Step.IDs...)
		}
	}
	return out
}

// String renders the path in canonical form.
func (p *Path) String() string {
	var b strings.Builder
	writeStep(&b, p.Start)
	for _, h := range p.Hops {
		b.WriteString(string(h.Direction))
		writeStep(&b, h.Step)
	}
	return b.String()
}

func writeStep(b *strings.Builder, s Step) {
	b.WriteString("(" + s.Type)
	if len(s.IDs) > 0 {
		b.WriteString("[" + strings.Join(s.IDs, ",") + "]")
	}
	b.WriteString(")")
}

// match renders the MATCH and WHERE clauses of the path. The anchor is bound to n0.
func (p *Path) match(corpusID string) (string, map[string]any) {
	params := map[string]any{propCorpusID: corpusID}
	var where []string
	var b strings.Builder

	node := func(i int, s Step) {
		if s.Type == ViewStep {
			fmt.Fprintf(&b, "(n%d:%s {corpus_id: $corpus_id})", i, quote(ContentViewLabel))
			if len(s.IDs) > 0 {
				key := fmt.Sprintf("uris%d", i)
				uris := make([]string, len(s.IDs))
				for j, slug := range s.IDs {
					uris[j] = SuperNodeURI(corpusID, slug)
				}
				params[key] = uris
				where = append(where, fmt.Sprintf("n%d.uri IN $%s", i, key))
			}
			return
		}
		fmt.Fprintf(&b, "(n%d:%s {corpus_id: $corpus_id})", i, quote(s.Type))
		if len(s.IDs) > 0 {
			key := fmt.Sprintf("ids%d", i)
			params[key] = s.IDs
			where = append(where, fmt.Sprintf("n%d.id IN $%s", i, key))
		}
	}

	b.WriteString("MATCH ")
	node(0, p.Start)
	for i, h := range p.Hops {
		b.WriteString(string(h.Direction))
		node(i+1, h.Step)
	}
	if len(where) > 0 {
		b.WriteString("\nWHERE " + strings.Join(where, " AND "))
	}
	return b.String(), params
}

func (p *Path) countStatement(corpusID string) Statement {
	match, params := p.match(corpusID)
	return Statement{Cypher: match + "\nRETURN count(DISTINCT n0.id) AS total", Params: params}
}

func (p *Path) idsStatement(corpusID string, limit int) Statement {
	match, params := p.match(corpusID)
	cypher := match + "\nRETURN DISTINCT n0.id AS id\nORDER BY id"
	if limit > 0 {
		cypher += "\nLIMIT $limit"
		params["limit"] = limit
	}
	return Statement{Cypher: cypher, Params: params}
}
