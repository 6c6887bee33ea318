package device

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	return NewClient(Config{
		Timeout:       2 * time.Second,
		UploadTimeout: 5 * time.Second,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    Info
		wantErr error
	}{
		{
			name:   "valid device",
			status: http.StatusOK,
			body:   `{"STATE":"SUCCEED","name":"Shelf 3","clientid":"A1","free-space":"1048576"}`,
			want:   Info{Name: "Shelf 3", ClientID: "A1", FreeSpace: 1048576},
		},
		{
			name:   "numeric fields",
			status: http.StatusOK,
			body:   `{"STATE":"SUCCEED","name":"x","clientid":12345,"free-space":42}`,
			want:   Info{Name: "x", ClientID: "12345", FreeSpace: 42},
		},
		{
			name:   "free space absent",
			status: http.StatusOK,
			body:   `{"STATE":"SUCCEED","name":"x","clientid":"B2"}`,
			want:   Info{Name: "x", ClientID: "B2", FreeSpace: -1},
		},
		{"wrong state", http.StatusOK, `{"STATE":"BUSY","name":"x","clientid":"A1"}`, Info{}, ErrProtocol},
		{"missing name", http.StatusOK, `{"STATE":"SUCCEED","clientid":"A1"}`, Info{}, ErrProtocol},
		{"missing clientid", http.StatusOK, `{"STATE":"SUCCEED","name":"x"}`, Info{}, ErrProtocol},
		{"not json", http.StatusOK, `<html>router login</html>`, Info{}, ErrProtocol},
		{"not found", http.StatusNotFound, `{}`, Info{}, ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/Iotags", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			info, err := newTestClient().Probe(context.Background(), hostOf(srv))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.want.IP = hostOf(srv)
			assert.Equal(t, tt.want, info)
		})
	}
}

func TestProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := hostOf(srv)
	srv.Close()

	_, err := newTestClient().Probe(context.Background(), host)
	assert.Error(t, err)
}

// fakeDevice records the control, upload and replay calls it receives.
type fakeDevice struct {
	mu       sync.Mutex
	calls    []string
	uploads  map[string][]byte
	signs    map[string]string
	queries  []string
	failPath string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{uploads: map[string][]byte{}, signs: map[string]string{}}
}

func (d *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := r.URL.Query()
	d.queries = append(d.queries, r.URL.RawQuery)
	switch r.URL.Path {
	case "/control":
		d.calls = append(d.calls, "control:"+q.Get("action")+":"+q.Get("sign"))
	case "/upload":
		p := q.Get("file_path")
		d.calls = append(d.calls, "upload:"+p)
		if p == d.failPath {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body, _ := io.ReadAll(r.Body)
		d.uploads[p] = body
		d.signs[p] = q.Get("sign")
	case "/replay":
		d.calls = append(d.calls, "replay:"+q.Get("task")+":"+q.Get("sign"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestClearSpaceUploadReplay(t *testing.T) {
	dev := newFakeDevice()
	srv := httptest.NewServer(dev)
	defer srv.Close()

	c := newTestClient()
	ctx := context.Background()
	ip := hostOf(srv)

	require.NoError(t, c.ClearSpace(ctx, ip))

	payload := []byte("not really a png")
	sign := Sign(payload)
	require.NoError(t, c.Upload(ctx, ip, "files/task/A1.png", bytes.NewReader(payload), int64(len(payload)), sign))
	require.NoError(t, c.Replay(ctx, ip, "files/task/A1.js"))

	assert.Equal(t, []string{
		"control:clearspace:sign",
		"upload:files/task/A1.png",
		"replay:files/task/A1.js:" + SignName("A1.js"),
	}, dev.calls)
	assert.Equal(t, payload, dev.uploads["files/task/A1.png"])
	assert.Equal(t, sign, dev.signs["files/task/A1.png"])

	// The firmware reads parameters positionally and does not unescape them.
	assert.Equal(t, []string{
		"action=clearspace&sign=sign",
		"file_path=files/task/A1.png&sign=" + sign,
		"task=files/task/A1.js&sign=" + SignName("A1.js"),
	}, dev.queries)
}

func TestUpload_Rejected(t *testing.T) {
	dev := newFakeDevice()
	dev.failPath = "files/task/A1.mp4"
	srv := httptest.NewServer(dev)
	defer srv.Close()

	err := newTestClient().Upload(context.Background(), hostOf(srv), "files/task/A1.mp4", strings.NewReader("x"), 1, Sign([]byte("x")))
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSign(t *testing.T) {
	// MD5("A1.js") in uppercase hex.
	assert.Equal(t, "C47F65D418159B0D9509EE5DC071D9F0", SignName("A1.js"))
	assert.Equal(t, "D41D8CD98F00B204E9800998ECF8427E", Sign(nil))

	sign, n, err := SignReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "5D41402ABC4B2A76B9719D911017C592", sign)
}

func TestBuildManifest(t *testing.T) {
	t.Run("picture only", func(t *testing.T) {
		m := BuildManifest(ManifestSpec{
			ClientID:  "A1",
			RemoteDir: "files/task/",
			Width:     800,
			Height:    1280,
			Picture:   &Asset{Name: "A1.png", Sign: "ABC"},
		})
		data, err := m.Encode()
		require.NoError(t, err)
		assert.Contains(t, string(data), "\n    \"Id\": \"A1\"")

		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc))
		assert.NotContains(t, doc, "LabelVideo")
		pic := doc["LabelPicture"].(map[string]any)
		assert.Equal(t, "files/task/A1.png", pic["PicturePath"])
		assert.Equal(t, "ABC", pic["PictureMD5"])
		assert.EqualValues(t, 800, pic["Width"])
	})

	t.Run("video only", func(t *testing.T) {
		m := BuildManifest(ManifestSpec{
			ClientID:  "A1",
			RemoteDir: "files/task",
			Width:     800,
			Height:    1280,
			Video:     &Asset{Name: "A1.mp4", Sign: "DEF"},
		})
		assert.Nil(t, m.LabelPicture)
		require.NotNil(t, m.LabelVideo)
		require.Len(t, m.LabelVideo.VideoList, 1)
		assert.Equal(t, "files/task/A1.mp4", m.LabelVideo.VideoList[0].VideoPath)
		assert.Equal(t, "DEF", m.LabelVideo.VideoList[0].VideoMD5)
	})

	assert.Equal(t, "files/task/A1.js", RemotePath("/files/task/", "A1.js"))
}
