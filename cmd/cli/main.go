package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	media "github.com/i5heu/ouroboros-media"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

func main() {
	uploadCmd := flag.NewFlagSet("upload", flag.ExitOnError)
	title := uploadCmd.String("title", "", "video title")
	scope := uploadCmd.String("scope", "", "policy scope, defaults to the creator")
	encryption := uploadCmd.String("encryption", "dek-only", "dek-only, seal-only or both")
	qualities := uploadCmd.String("qualities", "720p:1280x720:2500000", "comma separated label:resolution:bitrate")
	wait := uploadCmd.Bool("wait", true, "poll until the upload finished")

	fetchCmd := flag.NewFlagSet("fetch", flag.ExitOnError)

	if len(os.Args) < 2 {
		fmt.Println("Usage: ouroboros-media-cli <command> [arguments]")
		fmt.Println("Commands:")
		fmt.Println("  upload [flags] <file>")
		fmt.Println("  status <job-id>")
		fmt.Println("  video <video-id>")
		fmt.Println("  fetch <video-id> <quality> <index|init> <output-file>")
		fmt.Println("Environment: OM_API (default http://localhost:4243), OM_VIEWER")
		os.Exit(1)
	}

	c := client{
		base:   strings.TrimRight(envOr("OM_API", "http://localhost:4243"), "/"),
		viewer: os.Getenv("OM_VIEWER"),
		http:   &http.Client{Timeout: 5 * time.Minute},
	}

	var err error
	switch os.Args[1] {
	case "upload":
		_ = uploadCmd.Parse(os.Args[2:])
		if uploadCmd.NArg() < 1 {
			fmt.Println("Usage: ouroboros-media-cli upload [flags] <file>")
			os.Exit(1)
		}
		err = c.upload(uploadCmd.Arg(0), map[string]string{
			"title":      *title,
			"scope":      *scope,
			"encryption": *encryption,
		}, *qualities, *wait)
	case "status":
		if len(os.Args) < 3 {
			fmt.Println("Usage: ouroboros-media-cli status <job-id>")
			os.Exit(1)
		}
		err = c.printJSON("/v1/uploads/" + os.Args[2])
	case "video":
		if len(os.Args) < 3 {
			fmt.Println("Usage: ouroboros-media-cli video <video-id>")
			os.Exit(1)
		}
		err = c.printJSON("/v1/videos/" + os.Args[2])
	case "fetch":
		_ = fetchCmd.Parse(os.Args[2:])
		if fetchCmd.NArg() < 4 {
			fmt.Println("Usage: ouroboros-media-cli fetch <video-id> <quality> <index|init> <output-file>")
			os.Exit(1)
		}
		err = c.fetch(fetchCmd.Arg(0), fetchCmd.Arg(1), fetchCmd.Arg(2), fetchCmd.Arg(3))
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type client struct {
	base   string
	viewer string
	http   *http.Client
	cookie *http.Cookie
}

func (c *client) do(method, path, contentType string, body io.Reader) ([]byte, *http.Response, error) {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.viewer != "" {
		req.Header.Set("X-Viewer", c.viewer)
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, resp, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	return data, resp, nil
}

func (c *client) getJSON(path string, v any) error {
	data, _, err := c.do(http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (c *client) printJSON(path string) error {
	var v any
	if err := c.getJSON(path, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type qualityField struct {
	Label      string `json:"label"`
	Resolution string `json:"resolution"`
	Bitrate    uint32 `json:"bitrate"`
}

func parseQualities(s string) ([]qualityField, error) {
	var out []qualityField
	for _, part := range strings.Split(s, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("quality %q must be label:resolution:bitrate", part)
		}
		var bitrate uint32
		if _, err := fmt.Sscan(fields[2], &bitrate); err != nil {
			return nil, fmt.Errorf("quality %q: invalid bitrate", part)
		}
		out = append(out, qualityField{Label: fields[0], Resolution: fields[1], Bitrate: bitrate})
	}
	return out, nil
}

func (c *client) upload(path string, fields map[string]string, qualities string, wait bool) error {
	qs, err := parseQualities(qualities)
	if err != nil {
		return err
	}
	qsJSON, err := json.Marshal(qs)
	if err != nil {
		return err
	}
	fields["qualities"] = string(qsJSON)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if v != "" {
			if err := mw.WriteField(k, v); err != nil {
				return err
			}
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	data, _, err := c.do(http.MethodPost, "/v1/videos", mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	var accepted struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(data, &accepted); err != nil {
		return err
	}
	fmt.Printf("Upload accepted. Job: %s\n", accepted.JobID)
	if !wait {
		return nil
	}

	for {
		var st struct {
			State   string          `json:"state"`
			Stage   string          `json:"stage"`
			Percent float64         `json:"percent"`
			Error   string          `json:"error"`
			Result  json.RawMessage `json:"result"`
		}
		if err := c.getJSON("/v1/uploads/"+accepted.JobID, &st); err != nil {
			return err
		}
		switch st.State {
		case "succeeded":
			fmt.Printf("\rUpload finished.%30s\n", "")
			_, err := os.Stdout.Write(append(st.Result, '\n'))
			return err
		case "failed":
			return fmt.Errorf("upload failed during %s: %s", st.Stage, st.Error)
		}
		fmt.Printf("\r%-12s %5.1f%%", st.Stage, st.Percent)
		time.Sleep(500 * time.Millisecond)
	}
}

// fetch opens a session, requests the DEK key of one segment and writes
// the decrypted segment to outPath.
func (c *client) fetch(videoID, quality, index, outPath string) error {
	player, err := media.NewPlayer()
	if err != nil {
		return err
	}
	defer player.Forget()

	body, err := json.Marshal(map[string][]byte{"clientPublicKey": player.PublicKey()})
	if err != nil {
		return err
	}
	data, resp, err := c.do(http.MethodPost, "/v1/videos/"+videoID+"/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == "om_session" {
			c.cookie = ck
		}
	}
	if c.cookie == nil {
		return fmt.Errorf("server did not set a session cookie")
	}
	defer func() { _, _, _ = c.do(http.MethodDelete, "/v1/sessions", "", nil) }()

	var hs struct {
		ServerPublicKey []byte `json:"serverPublicKey"`
		ServerNonce     []byte `json:"serverNonce"`
	}
	if err := json.Unmarshal(data, &hs); err != nil {
		return err
	}
	if err := player.Attach(hs.ServerPublicKey, hs.ServerNonce); err != nil {
		return err
	}

	var km struct {
		VideoID        string `json:"videoId"`
		Quality        string `json:"quality"`
		Index          int    `json:"index"`
		ContentAddress string `json:"contentAddress"`
		SealedKey      []byte `json:"sealedKey"`
	}
	if err := c.getJSON(fmt.Sprintf("/v1/videos/%s/keys/dek/%s/%s", videoID, quality, index), &km); err != nil {
		return err
	}
	ciphertext, _, err := c.do(http.MethodGet, "/v1/content/"+km.ContentAddress, "", nil)
	if err != nil {
		return err
	}
	plain, err := player.DecryptSegment(&media.KeyMaterial{
		VideoID:   km.VideoID,
		Ref:       model.SegmentRef{Scheme: model.SchemeDek, Quality: km.Quality, Index: km.Index},
		SealedKey: km.SealedKey,
	}, ciphertext)
	if err != nil {
		return fmt.Errorf("decrypt segment: %w", err)
	}
	if err := os.WriteFile(outPath, plain, 0o644); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(plain), outPath)
	return nil
}
