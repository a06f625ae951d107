// Package playlist renders HLS manifests that reference uploaded segment
// ciphertext by content address. Output is a pure function of its input:
// building twice from the same rendition yields identical bytes.
package playlist

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/i5heu/ouroboros-media/pkg/errs"
	"github.com/i5heu/ouroboros-media/pkg/model"
)

const hlsVersion = 7

// Builder renders media and master playlists. URIs are BaseURL followed by
// the content address.
type Builder struct {
	baseURL string
}

// New returns a Builder. baseURL may be empty for bare addresses.
func New(baseURL string) *Builder {
	return &Builder{baseURL: baseURL}
}

// Variant is one quality entry of a master playlist.
type Variant struct {
	QualityLabel    string
	Resolution      string
	Bitrate         uint32
	ManifestAddress string
}

// BuildMedia renders the VOD media playlist of one rendition. Segments are
// ordered by index; an optional init segment becomes EXT-X-MAP. A
// rendition without media segments, with gaps, duplicates or missing
// addresses is rejected with errs.ErrInvalidManifestState.
func (b *Builder) BuildMedia(r model.Rendition) ([]byte, error) {
	segs := make([]model.EncryptedSegmentRecord, len(r.Segments))
	copy(segs, r.Segments)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Index < segs[j].Index })

	var init *model.EncryptedSegmentRecord
	if len(segs) > 0 && segs[0].Index == model.InitSegmentIndex {
		init = &segs[0]
		segs = segs[1:]
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: rendition %s has no segments", errs.ErrInvalidManifestState, r.QualityLabel)
	}
	for i, s := range segs {
		if s.Index != i {
			return nil, fmt.Errorf("%w: rendition %s: expected segment %d, found %d",
				errs.ErrInvalidManifestState, r.QualityLabel, i, s.Index)
		}
		if s.ContentAddress == "" {
			return nil, fmt.Errorf("%w: rendition %s: segment %d has no address",
				errs.ErrInvalidManifestState, r.QualityLabel, i)
		}
	}

	p, err := m3u8.NewMediaPlaylist(0, uint(len(segs)))
	if err != nil {
		return nil, fmt.Errorf("playlist: %w", err)
	}
	p.MediaType = m3u8.VOD
	if init != nil {
		if init.ContentAddress == "" {
			return nil, fmt.Errorf("%w: rendition %s: init segment has no address",
				errs.ErrInvalidManifestState, r.QualityLabel)
		}
		p.Map = &m3u8.Map{URI: b.uri(init.ContentAddress)}
	}
	for _, s := range segs {
		if err := p.Append(b.uri(s.ContentAddress), s.Duration.Seconds(), ""); err != nil {
			return nil, fmt.Errorf("playlist: append segment %d: %w", s.Index, err)
		}
	}
	p.SetVersion(hlsVersion)
	p.Close()
	return bytes.Clone(p.Encode().Bytes()), nil
}

// BuildMaster renders a master playlist with one variant per quality,
// ordered by bitrate and then label.
func (b *Builder) BuildMaster(variants []Variant) ([]byte, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: master playlist without variants", errs.ErrInvalidManifestState)
	}
	vs := make([]Variant, len(variants))
	copy(vs, variants)
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].Bitrate != vs[j].Bitrate {
			return vs[i].Bitrate < vs[j].Bitrate
		}
		return vs[i].QualityLabel < vs[j].QualityLabel
	})

	m := m3u8.NewMasterPlaylist()
	for _, v := range vs {
		if v.ManifestAddress == "" {
			return nil, fmt.Errorf("%w: variant %s has no manifest address",
				errs.ErrInvalidManifestState, v.QualityLabel)
		}
		m.Append(b.uri(v.ManifestAddress), nil, m3u8.VariantParams{
			Bandwidth:  v.Bitrate,
			Resolution: v.Resolution,
			Name:       v.QualityLabel,
		})
	}
	m.SetVersion(hlsVersion)
	return bytes.Clone(m.Encode().Bytes()), nil
}

// MediaAddresses parses a media playlist produced by BuildMedia and returns
// the init segment address (empty if none) and the segment addresses in
// playback order.
func (b *Builder) MediaAddresses(data []byte) (string, []string, error) {
	pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return "", nil, fmt.Errorf("playlist: decode: %w", err)
	}
	if kind != m3u8.MEDIA {
		return "", nil, fmt.Errorf("playlist: not a media playlist")
	}
	p := pl.(*m3u8.MediaPlaylist)

	var init string
	if p.Map != nil {
		init = b.address(p.Map.URI)
	}
	var addrs []string
	for _, s := range p.Segments {
		if s == nil {
			continue
		}
		addrs = append(addrs, b.address(s.URI))
	}
	return init, addrs, nil
}

// VariantAddresses parses a master playlist and returns the media manifest
// address of every variant keyed by its name.
func (b *Builder) VariantAddresses(data []byte) (map[string]string, error) {
	pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return nil, fmt.Errorf("playlist: decode: %w", err)
	}
	if kind != m3u8.MASTER {
		return nil, fmt.Errorf("playlist: not a master playlist")
	}
	out := make(map[string]string)
	for _, v := range pl.(*m3u8.MasterPlaylist).Variants {
		if v == nil {
			continue
		}
		out[v.Name] = b.address(v.URI)
	}
	return out, nil
}

func (b *Builder) uri(address string) string {
	return b.baseURL + address
}

func (b *Builder) address(uri string) string {
	return strings.TrimPrefix(uri, b.baseURL)
}
