// Package document queries HTML returned by a navigation, either the raw
// response body or the engine's rendered DOM.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

var (
	// ErrElementNotFound is matched by every *ElementNotFoundError.
	ErrElementNotFound = errors.New("element not found")
	// ErrEmptyQuery is returned by Select for a Query with neither form set.
	ErrEmptyQuery = errors.New("query needs a selector or an xpath")
)

// ElementNotFoundError is returned when a query yields no element.
type ElementNotFoundError struct {
	Query string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element not found: %s", e.Query)
}

func (e *ElementNotFoundError) Is(target error) bool {
	return target == ErrElementNotFound
}

// Document is a parsed HTML tree queryable by CSS selector and XPath.
type Document struct {
	root *html.Node
	doc  *goquery.Document
}

// Parse reads an HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := htmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	return &Document{root: root, doc: goquery.NewDocumentFromNode(root)}, nil
}

// ParseBytes parses b as HTML.
func ParseBytes(b []byte) (*Document, error) {
	return Parse(bytes.NewReader(b))
}

// ParseString parses s as HTML.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// FindFirst returns the first element matching the CSS selector.
func (d *Document) FindFirst(selector string) (*Element, error) {
	all, err := d.FindAll(selector)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, &ElementNotFoundError{Query: selector}
	}
	return all[0], nil
}

// FindAll returns every element matching the CSS selector, in document order.
func (d *Document) FindAll(selector string) ([]*Element, error) {
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return wrap(d.doc.FindMatcher(m).Nodes), nil
}

// XPathFirst returns the first node matching expr.
func (d *Document) XPathFirst(expr string) (*Element, error) {
	n, err := htmlquery.Query(d.root, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}
	if n == nil {
		return nil, &ElementNotFoundError{Query: expr}
	}
	return &Element{node: n}, nil
}

// XPathAll returns every node matching expr.
func (d *Document) XPathAll(expr string) ([]*Element, error) {
	nodes, err := htmlquery.QueryAll(d.root, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}
	return wrap(nodes), nil
}

// Query selects elements by CSS selector or XPath. Selector wins when both
// are set.
type Query struct {
	Selector string `json:"selector,omitempty"`
	XPath    string `json:"xpath,omitempty"`
	All      bool   `json:"all,omitempty"`
}

func (q Query) String() string {
	if q.Selector != "" {
		return q.Selector
	}
	return q.XPath
}

// Select runs q. It never returns an empty slice without an error: no match
// yields *ElementNotFoundError, and without All only the first match is kept.
func (d *Document) Select(q Query) ([]*Element, error) {
	var (
		found []*Element
		err   error
	)
	switch {
	case q.Selector != "":
		found, err = d.FindAll(q.Selector)
	case q.XPath != "":
		found, err = d.XPathAll(q.XPath)
	default:
		return nil, ErrEmptyQuery
	}
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &ElementNotFoundError{Query: q.String()}
	}
	if !q.All {
		found = found[:1]
	}
	return found, nil
}

// Title returns the trimmed text of the <title> element.
func (d *Document) Title() string {
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// Text returns the text content of the whole document.
func (d *Document) Text() string {
	return d.doc.Text()
}

func wrap(nodes []*html.Node) []*Element {
	out := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &Element{node: n})
	}
	return out
}

// Element is a single node of a Document.
type Element struct {
	node *html.Node
}

// Tag returns the element name, or "" for non-element nodes.
func (e *Element) Tag() string {
	if e.node.Type != html.ElementNode {
		return ""
	}
	return e.node.Data
}

// Text returns the inner text.
func (e *Element) Text() string {
	return htmlquery.InnerText(e.node)
}

// Attr returns the named attribute.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.node.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// HTML returns the outer HTML of the element.
func (e *Element) HTML() string {
	return htmlquery.OutputHTML(e.node, true)
}

// ElementView is the JSON form of an Element.
type ElementView struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
	HTML string `json:"html"`
}

// Views converts elements for serialization.
func Views(elements []*Element) []ElementView {
	out := make([]ElementView, 0, len(elements))
	for _, e := range elements {
		out = append(out, ElementView{Tag: e.Tag(), Text: e.Text(), HTML: e.HTML()})
	}
	return out
}
