package batch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/searchlight/indexer/internal/indexing"
)

// publishPath is the per-notification path embedded in each batch part.
const publishPath = "/v3/urlNotifications:publish"

// encodeBatch renders notifications as a multipart/mixed body. Each part is
// an application/http subrequest tagged with a positional Content-ID so the
// response can be demultiplexed back onto the input order.
func encodeBatch(notes []indexing.Notification) (body *bytes.Buffer, contentType string, err error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	for i, note := range notes {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Type", "application/http")
		hdr.Set("Content-ID", fmt.Sprintf("<item-%d>", i))

		part, err := mw.CreatePart(hdr)
		if err != nil {
			return nil, "", fmt.Errorf("create batch part: %w", err)
		}
		payload, err := json.Marshal(note)
		if err != nil {
			return nil, "", fmt.Errorf("encode notification: %w", err)
		}
		fmt.Fprintf(part, "POST %s HTTP/1.1\r\n", publishPath)
		fmt.Fprintf(part, "Content-Type: application/json\r\n")
		fmt.Fprintf(part, "Content-Length: %d\r\n", len(payload))
		fmt.Fprintf(part, "\r\n")
		part.Write(payload)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("finalize batch body: %w", err)
	}
	return buf, "multipart/mixed; boundary=" + mw.Boundary(), nil
}

// decodeBatch parses a multipart/mixed batch response into per-URL outcomes
// aligned with notes. Parts carry Content-ID "response-item-<n>" referencing
// the request part they answer; parts that cannot be matched are ignored and
// any still-unanswered slot is reported as failed.
func decodeBatch(notes []indexing.Notification, contentType string, r io.Reader) ([]indexing.Outcome, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parse batch content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("unexpected batch content type %q", mediaType)
	}

	outcomes := make([]indexing.Outcome, len(notes))
	answered := make([]bool, len(notes))
	for i, note := range notes {
		outcomes[i] = indexing.Outcome{URL: note.URL}
	}

	mr := multipart.NewReader(r, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read batch part: %w", err)
		}
		idx, ok := partIndex(part.Header.Get("Content-ID"))
		if !ok || idx < 0 || idx >= len(notes) {
			part.Close()
			continue
		}
		outcomes[idx] = partOutcome(notes[idx].URL, part)
		answered[idx] = true
		part.Close()
	}

	for i := range outcomes {
		if !answered[i] {
			outcomes[i] = indexing.Outcome{
				URL:    notes[i].URL,
				Kind:   indexing.OutcomeFailed,
				Detail: "missing response part",
			}
		}
	}
	return outcomes, nil
}

// partIndex extracts n from Content-ID values like "<response-item-3>".
func partIndex(contentID string) (int, bool) {
	id := strings.Trim(contentID, "<>")
	id = strings.TrimPrefix(id, "response-")
	id = strings.TrimPrefix(id, "item-")
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, false
	}
	return n, true
}

func partOutcome(url string, part *multipart.Part) indexing.Outcome {
	resp, err := http.ReadResponse(bufio.NewReader(part), nil)
	if err != nil {
		return indexing.Outcome{
			URL:    url,
			Kind:   indexing.OutcomeFailed,
			Detail: fmt.Sprintf("malformed response part: %v", err),
		}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return indexing.Outcome{URL: url, Kind: indexing.OutcomeSubmitted, Code: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return indexing.Outcome{
			URL:    url,
			Kind:   indexing.OutcomeRateLimited,
			Code:   resp.StatusCode,
			Detail: errorDetail(body),
		}
	default:
		return indexing.Outcome{
			URL:    url,
			Kind:   indexing.OutcomeFailed,
			Code:   resp.StatusCode,
			Detail: errorDetail(body),
		}
	}
}

// errorDetail pulls the message out of a Google error envelope, falling back
// to the raw body.
func errorDetail(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	return detail
}
