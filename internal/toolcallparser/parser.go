// Package toolcallparser turns an assistant response — native tool-calls
// array plus free-form text content — into a typed, ordered list of
// models.ToolCall. Native calls pass through unchanged; XML calls are
// extracted from the textual content by wrapping it in a synthetic root and
// running it through a real XML parser, then binding each recognized
// element's fields per the tool's registered models.XMLBinding.
package toolcallparser

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/haasonsaas/agentrun/pkg/models"
)

// DefaultMaxXMLToolCalls bounds how many XML tool calls a single response
// may contribute before the parser signals XMLLimitReached.
const DefaultMaxXMLToolCalls = 20

// Result is the outcome of parsing one assistant response.
type Result struct {
	ToolCalls []models.ToolCall
	// XMLLimitReached is set when the response contained more recognized
	// XML tool elements than the configured maximum; the surplus is
	// silently dropped rather than included.
	XMLLimitReached bool
}

// Parser extracts tool calls from assistant responses.
type Parser struct {
	maxXMLToolCalls int
	log             *slog.Logger
}

// New builds a Parser with the given XML tool-call cap. A non-positive
// maxXMLToolCalls falls back to DefaultMaxXMLToolCalls.
func New(maxXMLToolCalls int, log *slog.Logger) *Parser {
	if maxXMLToolCalls <= 0 {
		maxXMLToolCalls = DefaultMaxXMLToolCalls
	}
	if log == nil {
		log = slog.Default()
	}
	return &Parser{maxXMLToolCalls: maxXMLToolCalls, log: log}
}

// Parse produces a Result from an assistant response's native tool-calls
// array (nativeCalls) and its textual content. If nativeCalls is non-empty,
// it is returned unchanged and content is not scanned for embedded XML —
// a provider never mixes native tool-call and XML-tag tool-call conventions
// in one response. bindings maps an XML tag name to the tool that owns it,
// as returned by toolregistry.Registry.AsXMLBindings.
func (p *Parser) Parse(content string, nativeCalls []models.ToolCall, bindings map[string]*models.XMLBinding) Result {
	if len(nativeCalls) > 0 {
		return Result{ToolCalls: nativeCalls}
	}
	if len(bindings) == 0 || strings.TrimSpace(content) == "" {
		return Result{}
	}
	return p.parseXML(content, bindings)
}

func (p *Parser) parseXML(content string, bindings map[string]*models.XMLBinding) Result {
	elements, err := extractTopLevelElements(content)
	if err != nil {
		p.log.Warn("toolcallparser: malformed embedded xml, yielding no tool calls", "error", err)
		return Result{}
	}

	var calls []models.ToolCall
	limitReached := false
	seq := 0

	for _, el := range elements {
		binding, ok := bindings[el.Name]
		if !ok {
			continue
		}
		if len(calls) >= p.maxXMLToolCalls {
			limitReached = true
			break
		}

		seq++
		args := make(map[string]any, len(binding.Fields))
		for field, fb := range binding.Fields {
			args[field] = coerceValue(extractField(el, fb), fb.ValueType)
		}
		rawInput, err := json.Marshal(args)
		if err != nil {
			p.log.Warn("toolcallparser: failed to encode xml tool arguments", "tool", el.Name, "error", err)
			rawInput = []byte("{}")
		}

		calls = append(calls, models.ToolCall{
			ID:        fmt.Sprintf("xml-%d", seq),
			Kind:      models.ToolCallXML,
			Name:      el.Name,
			Arguments: args,
			RawInput:  rawInput,
		})
	}

	return Result{ToolCalls: calls, XMLLimitReached: limitReached}
}

// extractField reads one field's raw string value out of el per its binding
// kind. A binding whose path isn't present in el yields an empty string,
// which coerceValue then passes through unchanged for valueType string.
func extractField(el *xmlElement, fb models.XMLFieldBinding) string {
	switch fb.Kind {
	case models.XMLFieldAttribute:
		return el.Attrs[fb.Path]
	case models.XMLFieldElement:
		if child := findDescendant(el, fb.Path); child != nil {
			return strings.TrimSpace(child.CharData)
		}
		return ""
	case models.XMLFieldContent, models.XMLFieldText:
		return strings.TrimSpace(el.CharData)
	case models.XMLFieldRoot:
		return el.Raw
	case models.XMLFieldXPath:
		return evalXPath(el, fb.Path)
	default:
		return ""
	}
}

// coerceValue converts raw to valueType, falling back to the raw string on
// any parse failure rather than rejecting the whole tool call.
func coerceValue(raw string, valueType models.XMLValueType) any {
	switch valueType {
	case models.XMLValueInt:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	case models.XMLValueFloat:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	case models.XMLValueBoolean:
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	case models.XMLValueJSON:
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			return decoded
		}
	}
	return raw
}

// xmlElement is a parsed embedded tool-call tag: its name, attributes,
// concatenated character data, nested children, and the verbatim XML
// span it occupied in the original content (for the "root" binding kind).
type xmlElement struct {
	Name     string
	Attrs    map[string]string
	Children []*xmlElement
	CharData string
	Raw      string
}

// findDescendant does a depth-first search for the first descendant (at
// any depth) with the given tag name, per the "element: <path>" binding.
func findDescendant(el *xmlElement, name string) *xmlElement {
	for _, child := range el.Children {
		if child.Name == name {
			return child
		}
		if found := findDescendant(child, name); found != nil {
			return found
		}
	}
	return nil
}

// extractTopLevelElements wraps content in a synthetic root and returns
// every direct child element of that root, each as a fully parsed subtree.
// Text outside any tag, at the top level, is ignored rather than treated as
// an error.
func extractTopLevelElements(content string) ([]*xmlElement, error) {
	wrapped := "<agentrun-root>" + content + "</agentrun-root>"
	dec := xml.NewDecoder(strings.NewReader(wrapped))
	dec.Strict = true
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	// Consume the synthetic root's own StartElement first.
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("toolcallparser: read synthetic root: %w", err)
		}
		if _, ok := tok.(xml.StartElement); ok {
			break
		}
	}

	var elements []*xmlElement
	for {
		offsetBefore := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("toolcallparser: decode embedded xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el, err := parseElement(dec, t, wrapped, offsetBefore)
			if err != nil {
				return nil, err
			}
			elements = append(elements, el)
		case xml.EndElement:
			// Closing tag of the synthetic root; extraction is done.
			return elements, nil
		}
	}
	return elements, nil
}

// parseElement consumes tokens for one element (already past its opening
// StartElement, start) through its matching EndElement, recursively parsing
// any nested elements and accumulating character data and the raw XML span.
func parseElement(dec *xml.Decoder, start xml.StartElement, source string, startOffset int64) (*xmlElement, error) {
	el := &xmlElement{
		Name:  start.Name.Local,
		Attrs: make(map[string]string, len(start.Attr)),
	}
	for _, a := range start.Attr {
		el.Attrs[a.Name.Local] = a.Value
	}

	var charData strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("toolcallparser: decode element %q: %w", el.Name, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			offsetBefore := dec.InputOffset() - int64(len(renderStart(t)))
			if offsetBefore < 0 {
				offsetBefore = dec.InputOffset()
			}
			child, err := parseElement(dec, t, source, offsetBefore)
			if err != nil {
				return nil, err
			}
			el.Children = append(el.Children, child)
		case xml.CharData:
			charData.Write(t)
		case xml.EndElement:
			el.CharData = charData.String()
			endOffset := dec.InputOffset()
			if startOffset >= 0 && endOffset <= int64(len(source)) && startOffset <= endOffset {
				el.Raw = strings.TrimSpace(source[startOffset:endOffset])
			}
			return el, nil
		}
	}
}

// renderStart is a best-effort reconstruction of a start tag's source
// length, used only to recover the byte offset where a nested element's
// opening tag began (the decoder only reports offsets after a token is
// fully consumed).
func renderStart(t xml.StartElement) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(t.Name.Local)
	for _, a := range t.Attr {
		b.WriteByte(' ')
		b.WriteString(a.Name.Local)
		b.WriteString(`="`)
		b.WriteString(a.Value)
		b.WriteByte('"')
	}
	b.WriteByte('>')
	return b.String()
}

// evalXPath evaluates a small subset of XPath against el: slash-separated
// child tag names, optionally ending in "@attrName" to read an attribute or
// "text()" to read character data. It does not support predicates, axes, or
// wildcards — the corpus has no XPath dependency to draw on, so this stays
// deliberately minimal rather than vendoring a full engine for one field
// kind.
func evalXPath(el *xmlElement, expr string) string {
	expr = strings.TrimPrefix(strings.TrimSpace(expr), "./")
	expr = strings.TrimPrefix(expr, "/")
	if expr == "" || expr == "." {
		return strings.TrimSpace(el.CharData)
	}

	segments := strings.Split(expr, "/")
	cur := el
	for i, seg := range segments {
		last := i == len(segments)-1
		if strings.HasPrefix(seg, "@") {
			return cur.Attrs[strings.TrimPrefix(seg, "@")]
		}
		if seg == "text()" {
			return strings.TrimSpace(cur.CharData)
		}
		next := findChild(cur, seg)
		if next == nil {
			return ""
		}
		cur = next
		if last {
			return strings.TrimSpace(cur.CharData)
		}
	}
	return strings.TrimSpace(cur.CharData)
}

func findChild(el *xmlElement, name string) *xmlElement {
	for _, child := range el.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}
