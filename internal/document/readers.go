package document

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// readFunc extracts plain text, and a title when the format carries one.
type readFunc func(path string) (text, title string, err error)

func readerFor(ext string) readFunc {
	switch ext {
	case ".md", ".markdown":
		return readMarkdown
	case ".pdf":
		return readPDF
	case ".html", ".htm":
		return readHTML
	default:
		return readText
	}
}

func readText(path string) (string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	return normalize(string(raw)), "", nil
}

func normalize(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// readMarkdown keeps the markdown source intact for the heading-aware chunker
// and takes the first level-one heading as the title.
func readMarkdown(path string) (string, string, error) {
	text, _, err := readText(path)
	if err != nil {
		return "", "", err
	}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "# ") {
			return text, strings.TrimSpace(line[2:]), nil
		}
	}
	return text, "", nil
}

func readPDF(path string) (string, string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", "", fmt.Errorf("reading pdf text: %w", err)
	}
	return normalize(buf.String()), "", nil
}

func readHTML(path string) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	text, title, err := extractHTML(f)
	if err != nil {
		return "", "", fmt.Errorf("parsing html: %w", err)
	}
	return text, title, nil
}

// extractHTML returns the visible text of an HTML document with one line per
// block element, plus the contents of <title>.
func extractHTML(r io.Reader) (string, string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var (
		b         strings.Builder
		title     string
		lineStart = true
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Title:
				if n.FirstChild != nil && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				if !lineStart {
					b.WriteByte(' ')
				}
				b.WriteString(t)
				lineStart = false
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) && !lineStart {
			b.WriteByte('\n')
			lineStart = true
		}
	}
	walk(root)

	return normalize(strings.TrimSpace(b.String())), title, nil
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Li, atom.Tr, atom.Section, atom.Article,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Pre, atom.Blockquote, atom.Header, atom.Footer, atom.Table:
		return true
	}
	return false
}
