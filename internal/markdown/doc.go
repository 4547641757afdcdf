// Package markdown maps entity records to and from portable markdown
// documents, and drives export, import, and tarball backups built on
// that mapping.
//
// A document is a header block of `key: value` lines, a `---` divider,
// and a markdown body. Lists are JSON arrays. The body carries the
// record's primary markdown field. Canonically formatted documents
// round-trip byte-exact.
package markdown

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/internal/types"
)

// Kind identifies which entity a document describes.
type Kind string

// Document kinds.
const (
	KindWorkItem     Kind = "work_item"
	KindArchitecture Kind = "architecture"
	KindTroubleshoot Kind = "troubleshoot"
)

// Divider separates the header block from the body.
const Divider = "---"

// Decoded is the result of parsing one document.
type Decoded struct {
	Kind         Kind
	WorkItem     *types.WorkItem
	Architecture *types.ArchitectureItem
	Troubleshoot *types.TroubleshootItem
}

// headerWriter accumulates `key: value` lines, skipping zero values so
// the canonical form stays minimal.
type headerWriter struct {
	b strings.Builder
}

func (h *headerWriter) str(key, val string) {
	if val == "" {
		return
	}
	h.b.WriteString(key)
	h.b.WriteString(": ")
	h.b.WriteString(val)
	h.b.WriteByte('\n')
}

func (h *headerWriter) list(key string, vals []string) {
	if len(vals) == 0 {
		return
	}
	data, _ := json.Marshal(vals)
	h.str(key, string(data))
}

func (h *headerWriter) num(key string, val float64) {
	h.str(key, strconv.FormatFloat(val, 'g', -1, 64))
}

func (h *headerWriter) integer(key string, val int) {
	h.str(key, strconv.Itoa(val))
}

func (h *headerWriter) boolean(key string, val bool) {
	if val {
		h.str(key, "true")
	}
}

func (h *headerWriter) stamp(key string, t time.Time) {
	if t.IsZero() {
		return
	}
	h.str(key, t.UTC().Format(time.RFC3339Nano))
}

func (h *headerWriter) finish(body string) []byte {
	h.b.WriteString(Divider)
	h.b.WriteByte('\n')
	h.b.WriteString(body)
	return []byte(h.b.String())
}

// EncodeWorkItem renders a work item document. The body is the
// description; sequence_number and progress are included for readers
// but recomputed on import.
func EncodeWorkItem(item *types.WorkItem) []byte {
	var h headerWriter
	h.str("id", item.ID)
	h.str("type", string(KindWorkItem))
	h.str("namespace", item.Namespace)
	h.str("item_type", string(item.Type))
	h.str("title", item.Title)
	h.str("status", string(item.Status))
	h.str("priority", string(item.Priority))
	h.str("complexity", item.Complexity)
	h.str("parent_id", item.ParentID)
	h.integer("order_index", item.OrderIndex)
	h.str("sequence_number", item.SequenceNumber)
	h.num("progress", item.Progress)
	h.boolean("manually_cancelled", item.ManuallyCancelled)
	h.list("acceptance_criteria", item.AcceptanceCriteria)
	h.list("context_tags", item.ContextTags)
	h.str("notes", escapeNewlines(item.Notes))
	h.stamp("created_at", item.CreatedAt)
	h.stamp("updated_at", item.UpdatedAt)
	return h.finish(item.Description)
}

// EncodeArchitecture renders an architecture memory document. The body
// is ai_requirements.
func EncodeArchitecture(item *types.ArchitectureItem) []byte {
	var h headerWriter
	h.str("slug", item.Slug)
	h.str("type", string(KindArchitecture))
	h.str("namespace", item.Namespace)
	h.str("id", item.ID)
	h.str("title", item.Title)
	h.list("ai_when_to_use", item.WhenToUse)
	h.list("keywords", item.Keywords)
	h.list("children_slugs", item.ChildrenSlugs)
	h.list("related_slugs", item.RelatedSlugs)
	h.list("linked_epic_ids", item.LinkedEpicIDs)
	h.list("tags", item.Tags)
	h.stamp("created_at", item.CreatedAt)
	h.stamp("updated_at", item.UpdatedAt)
	return h.finish(item.Requirements)
}

// EncodeTroubleshoot renders a troubleshoot memory document. The body
// is ai_solutions.
func EncodeTroubleshoot(item *types.TroubleshootItem) []byte {
	var h headerWriter
	h.str("slug", item.Slug)
	h.str("type", string(KindTroubleshoot))
	h.str("namespace", item.Namespace)
	h.str("id", item.ID)
	h.str("title", item.Title)
	h.list("ai_use_case", item.UseCases)
	h.list("keywords", item.Keywords)
	h.list("tags", item.Tags)
	h.integer("usage_count", item.UsageCount)
	h.integer("success_count", item.SuccessCount)
	h.stamp("created_at", item.CreatedAt)
	h.stamp("updated_at", item.UpdatedAt)
	return h.finish(item.Solutions)
}

// Decode parses a document into its entity record. The header must name
// the document type, the namespace, and a slug (memory) or id (work
// item). Derived work-item fields in the header are ignored.
func Decode(data []byte) (*Decoded, error) {
	text := string(data)
	header := map[string]string{}
	body := ""
	found := false
	for len(text) > 0 {
		line := text
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			line, text = text[:i], text[i+1:]
		} else {
			text = ""
		}
		if line == Divider {
			body = text
			found = true
			break
		}
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, types.Validation("malformed header line %q", line)
		}
		header[key] = val
	}
	if !found {
		return nil, types.Validation("document has no %s divider", Divider)
	}

	switch Kind(header["type"]) {
	case KindWorkItem:
		return decodeWorkItem(header, body)
	case KindArchitecture:
		return decodeArchitecture(header, body)
	case KindTroubleshoot:
		return decodeTroubleshoot(header, body)
	case "":
		return nil, types.Validation("document header is missing type")
	default:
		return nil, types.Validation("unknown document type %q", header["type"])
	}
}

func decodeWorkItem(header map[string]string, body string) (*Decoded, error) {
	if header["id"] == "" {
		return nil, types.Validation("work item document is missing id")
	}
	if header["namespace"] == "" {
		return nil, types.Validation("work item document is missing namespace")
	}
	item := &types.WorkItem{
		ID:          header["id"],
		Namespace:   header["namespace"],
		Type:        types.ItemType(header["item_type"]),
		Title:       header["title"],
		Description: body,
		Status:      types.Status(header["status"]),
		Priority:    types.Priority(header["priority"]),
		Complexity:  header["complexity"],
		ParentID:    header["parent_id"],
		Notes:       unescapeNewlines(header["notes"]),
	}
	var err error
	if item.OrderIndex, err = parseInt(header, "order_index"); err != nil {
		return nil, err
	}
	item.ManuallyCancelled = header["manually_cancelled"] == "true"
	if item.AcceptanceCriteria, err = parseList(header, "acceptance_criteria"); err != nil {
		return nil, err
	}
	if item.ContextTags, err = parseList(header, "context_tags"); err != nil {
		return nil, err
	}
	if item.CreatedAt, err = parseStamp(header, "created_at"); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseStamp(header, "updated_at"); err != nil {
		return nil, err
	}
	// sequence_number and progress are derived; the graph recomputes
	// them after import.
	return &Decoded{Kind: KindWorkItem, WorkItem: item}, nil
}

func decodeArchitecture(header map[string]string, body string) (*Decoded, error) {
	if header["slug"] == "" {
		return nil, types.Validation("architecture document is missing slug")
	}
	if header["namespace"] == "" {
		return nil, types.Validation("architecture document is missing namespace")
	}
	item := &types.ArchitectureItem{
		ID:           header["id"],
		Namespace:    header["namespace"],
		Slug:         header["slug"],
		Title:        header["title"],
		Requirements: body,
	}
	var err error
	if item.WhenToUse, err = parseList(header, "ai_when_to_use"); err != nil {
		return nil, err
	}
	if item.Keywords, err = parseList(header, "keywords"); err != nil {
		return nil, err
	}
	if item.ChildrenSlugs, err = parseList(header, "children_slugs"); err != nil {
		return nil, err
	}
	if item.RelatedSlugs, err = parseList(header, "related_slugs"); err != nil {
		return nil, err
	}
	if item.LinkedEpicIDs, err = parseList(header, "linked_epic_ids"); err != nil {
		return nil, err
	}
	if item.Tags, err = parseList(header, "tags"); err != nil {
		return nil, err
	}
	if item.CreatedAt, err = parseStamp(header, "created_at"); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseStamp(header, "updated_at"); err != nil {
		return nil, err
	}
	return &Decoded{Kind: KindArchitecture, Architecture: item}, nil
}

func decodeTroubleshoot(header map[string]string, body string) (*Decoded, error) {
	if header["slug"] == "" {
		return nil, types.Validation("troubleshoot document is missing slug")
	}
	if header["namespace"] == "" {
		return nil, types.Validation("troubleshoot document is missing namespace")
	}
	item := &types.TroubleshootItem{
		ID:        header["id"],
		Namespace: header["namespace"],
		Slug:      header["slug"],
		Title:     header["title"],
		Solutions: body,
	}
	var err error
	if item.UseCases, err = parseList(header, "ai_use_case"); err != nil {
		return nil, err
	}
	if item.Keywords, err = parseList(header, "keywords"); err != nil {
		return nil, err
	}
	if item.Tags, err = parseList(header, "tags"); err != nil {
		return nil, err
	}
	if item.UsageCount, err = parseInt(header, "usage_count"); err != nil {
		return nil, err
	}
	if item.SuccessCount, err = parseInt(header, "success_count"); err != nil {
		return nil, err
	}
	if item.CreatedAt, err = parseStamp(header, "created_at"); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseStamp(header, "updated_at"); err != nil {
		return nil, err
	}
	return &Decoded{Kind: KindTroubleshoot, Troubleshoot: item}, nil
}

func parseList(header map[string]string, key string) ([]string, error) {
	raw := header[key]
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, types.Validation("header %s is not a JSON array: %v", key, err)
	}
	return out, nil
}

func parseInt(header map[string]string, key string) (int, error) {
	raw := header[key]
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.Validation("header %s is not an integer: %q", key, raw)
	}
	return n, nil
}

func parseStamp(header map[string]string, key string) (time.Time, error) {
	raw := header[key]
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, types.Validation("header %s is not an RFC 3339 timestamp: %q", key, raw)
	}
	return t, nil
}

// Notes ride in the header and must stay single-line there.
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

func unescapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\\n", "\n")
}

// Filename returns the canonical file name for a document.
func Filename(kind Kind, key string) string {
	return fmt.Sprintf("%s/%s.md", kind, key)
}
