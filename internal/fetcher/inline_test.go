package fetcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveField(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		wantName   string
		wantInline []byte
		wantErr    bool
	}{
		{name: "filename", value: "promo.mp4", wantName: "promo.mp4"},
		{name: "padded filename", value: "  menu.png ", wantName: "menu.png"},
		{name: "absolute path", value: "/uploads/2025/menu.png", wantName: "menu.png"},
		{name: "relative path", value: "./menu.png", wantName: "menu.png"},
		{name: "url", value: "https://cdn.example.com/a/b/promo.mp4?v=2", wantName: "promo.mp4"},
		{name: "data url", value: "data:image/png;base64,aGVsbG8=", wantInline: []byte("hello")},
		{name: "data url upper case", value: "DATA:video/mp4;BASE64,aGVsbG8=", wantInline: []byte("hello")},
		{name: "raw base64", value: "aGVsbG8=", wantInline: []byte("hello")},
		{name: "missing padding", value: "aGVsbG8", wantInline: []byte("hello")},
		{name: "url safe alphabet", value: "-_8", wantInline: []byte{0xfb, 0xff}},
		{name: "empty", value: "   ", wantErr: true},
		{name: "garbage", value: "not base64!", wantErr: true},
		{name: "bare directory", value: "https://cdn.example.com/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := resolveField(tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrDecode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, src.Name)
			assert.Equal(t, tt.wantInline, src.Inline)
		})
	}
}
