package device

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// Sign returns the uppercase MD5 hex digest of data.
func Sign(data []byte) string {
	sum := md5.Sum(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// SignName returns the replay signature for a manifest file name.
func SignName(name string) string {
	return Sign([]byte(name))
}

// SignReader streams r through MD5 and returns the uppercase hex digest and
// the number of bytes read.
func SignReader(r io.Reader) (string, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), n, nil
}

// SignFile returns the uppercase MD5 hex digest and size of the file at p.
func SignFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	sign, n, err := SignReader(f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", p, err)
	}
	return sign, n, nil
}

// Manifest is the task document a device renders on replay.
type Manifest struct {
	ID           string        `json:"Id"`
	ItemCode     string        `json:"ItemCode"`
	ItemName     string        `json:"ItemName"`
	LabelPicture *LabelPicture `json:"LabelPicture,omitempty"`
	LabelVideo   *LabelVideo   `json:"LabelVideo,omitempty"`
}

// LabelPicture places a still image on the screen.
type LabelPicture struct {
	Height      int    `json:"Height"`
	Width       int    `json:"Width"`
	X           int    `json:"X"`
	Y           int    `json:"Y"`
	PictureName string `json:"PictureName"`
	PicturePath string `json:"PicturePath"`
	PictureMD5  string `json:"PictureMD5"`
}

// LabelVideo places a looping video playlist on the screen.
type LabelVideo struct {
	Height    int         `json:"Height"`
	Width     int         `json:"Width"`
	X         int         `json:"X"`
	Y         int         `json:"Y"`
	VideoList []VideoItem `json:"VideoList"`
}

// VideoItem is one playlist entry.
type VideoItem struct {
	VideoNo   int    `json:"VideoNo"`
	VideoName string `json:"VideoName"`
	VideoPath string `json:"VideoPath"`
	VideoMD5  string `json:"VideoMD5"`
}

// Asset is a local file that will be referenced by a manifest.
type Asset struct {
	// Name is the file name on the device, e.g. "A1.png".
	Name string
	// Sign is the uppercase MD5 hex of the file content.
	Sign string
}

// ManifestSpec describes what a manifest should reference.
type ManifestSpec struct {
	ClientID  string
	RemoteDir string
	Width     int
	Height    int
	Picture   *Asset
	Video     *Asset
}

// RemotePath joins a file name onto the device's task directory.
func RemotePath(remoteDir, name string) string {
	return path.Join(strings.Trim(remoteDir, "/"), name)
}

// BuildManifest assembles the manifest for spec. Blocks are present only for
// the assets that are set.
func BuildManifest(spec ManifestSpec) Manifest {
	m := Manifest{ID: spec.ClientID, ItemCode: spec.ClientID, ItemName: spec.ClientID}

	if spec.Picture != nil {
		m.LabelPicture = &LabelPicture{
			Height:      spec.Height,
			Width:       spec.Width,
			PictureName: spec.Picture.Name,
			PicturePath: RemotePath(spec.RemoteDir, spec.Picture.Name),
			PictureMD5:  spec.Picture.Sign,
		}
	}
	if spec.Video != nil {
		m.LabelVideo = &LabelVideo{
			Height: spec.Height,
			Width:  spec.Width,
			VideoList: []VideoItem{{
				VideoNo:   1,
				VideoName: spec.Video.Name,
				VideoPath: RemotePath(spec.RemoteDir, spec.Video.Name),
				VideoMD5:  spec.Video.Sign,
			}},
		}
	}
	return m
}

// Encode renders the manifest the way the firmware's own tooling writes it.
func (m Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "    ")
}
