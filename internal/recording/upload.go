package recording

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrUpload wraps every failed final upload.
var ErrUpload = errors.New("recording upload failed")

// Meta is the call context attached to a recording.
type Meta struct {
	CallID       string
	CallType     string
	ChatID       string
	ChatType     string
	ChatName     string
	Participants []string
}

// Upload is one finished recording.
type Upload struct {
	Meta
	Duration time.Duration
	MimeType string
	Size     int64
	Body     io.Reader
}

// Uploader stores a finished recording and returns its id.
type Uploader interface {
	Upload(ctx context.Context, u Upload) (string, error)
}

// HTTPUploader posts the recording as one multipart request.
type HTTPUploader struct {
	URL    string
	Token  string
	Client *http.Client
}

func (h *HTTPUploader) Upload(ctx context.Context, u Upload) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("recording", u.CallID+".webm")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, u.Body); err != nil {
		return "", fmt.Errorf("%w: read recording: %v", ErrUpload, err)
	}

	parts, _ := json.Marshal(u.Participants)
	fields := [][2]string{
		{"callId", u.CallID},
		{"callType", u.CallType},
		{"chatId", u.ChatID},
		{"chatType", u.ChatType},
		{"chatName", u.ChatName},
		{"mimeType", u.MimeType},
		{"duration", strconv.FormatInt(int64(u.Duration.Seconds()), 10)},
		{"participants", string(parts)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, &body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: status %d: %s", ErrUpload, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out struct {
		ID          string `json:"id"`
		RecordingID string `json:"recordingId"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: bad response: %v", ErrUpload, err)
	}
	if out.RecordingID != "" {
		return out.RecordingID, nil
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: response carries no recording id", ErrUpload)
	}
	return out.ID, nil
}

// MinioUploader stores recordings in an S3-compatible bucket. The object key
// doubles as the recording id.
type MinioUploader struct {
	client *minio.Client
	bucket string
}

func NewMinioUploader(endpoint, accessKey, secretKey, bucket string, secure bool) (*MinioUploader, error) {
	c, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioUploader{client: c, bucket: bucket}, nil
}

func objectKey(callID string, at time.Time) string {
	return fmt.Sprintf("recordings/%s-%d.webm", callID, at.Unix())
}

func (m *MinioUploader) Upload(ctx context.Context, u Upload) (string, error) {
	key := objectKey(u.CallID, time.Now())
	parts, _ := json.Marshal(u.Participants)
	_, err := m.client.PutObject(ctx, m.bucket, key, u.Body, u.Size, minio.PutObjectOptions{
		ContentType: u.MimeType,
		UserMetadata: map[string]string{
			"call-id":      u.CallID,
			"call-type":    u.CallType,
			"chat-id":      u.ChatID,
			"chat-type":    u.ChatType,
			"duration":     strconv.FormatInt(int64(u.Duration.Seconds()), 10),
			"participants": string(parts),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	return key, nil
}
