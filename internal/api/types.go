package api

import (
	"time"

	"github.com/i5heu/ouroboros-media/pkg/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type qualityRequest struct {
	Label      string `json:"label"`
	Resolution string `json:"resolution"`
	Bitrate    uint32 `json:"bitrate"`
}

type uploadAccepted struct {
	JobID string `json:"jobId"`
}

type uploadResult struct {
	VideoID           string            `json:"videoId"`
	ManifestAddress   string            `json:"manifestAddress"`
	ManifestAddresses map[string]string `json:"manifestAddresses"`
	PosterAddress     string            `json:"posterAddress,omitempty"`
	Cost              uint64            `json:"cost"`
	// BackupKeys is only present for SEAL uploads and is shown once.
	BackupKeys map[string][]byte `json:"backupKeys,omitempty"`
}

type uploadStatus struct {
	JobID    string        `json:"jobId"`
	State    string        `json:"state"`
	Stage    string        `json:"stage,omitempty"`
	Percent  float64       `json:"percent"`
	Message  string        `json:"message,omitempty"`
	Error    string        `json:"error,omitempty"`
	Result   *uploadResult `json:"result,omitempty"`
	Started  time.Time     `json:"started"`
	Finished *time.Time    `json:"finished,omitempty"`
}

type segmentResponse struct {
	Index          int    `json:"index"`
	ContentAddress string `json:"contentAddress"`
	Size           int    `json:"size"`
	DurationMillis int64  `json:"durationMillis"`
}

type renditionResponse struct {
	Scheme          string            `json:"scheme"`
	Quality         string            `json:"quality"`
	Resolution      string            `json:"resolution"`
	Bitrate         uint32            `json:"bitrate"`
	ManifestAddress string            `json:"manifestAddress"`
	Segments        []segmentResponse `json:"segments"`
}

type videoResponse struct {
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	DurationMillis  int64               `json:"durationMillis"`
	CreatorRef      string              `json:"creatorRef"`
	PolicyScope     string              `json:"policyScope"`
	EncryptionType  string              `json:"encryptionType"`
	KeyScheme       string              `json:"keyScheme"`
	MasterManifest  string              `json:"masterManifest"`
	MasterManifests map[string]string   `json:"masterManifests"`
	PosterAddress   string              `json:"posterAddress,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	Renditions      []renditionResponse `json:"renditions,omitempty"`
}

type createSessionRequest struct {
	// ClientPublicKey is the base64 X25519 public key of the player.
	ClientPublicKey   []byte `json:"clientPublicKey"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
}

// The token itself only travels in the cookie.
type sessionResponse struct {
	SessionID       string    `json:"sessionId"`
	ServerPublicKey []byte    `json:"serverPublicKey"`
	ServerNonce     []byte    `json:"serverNonce"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

type refreshResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

type sealDeliveryResponse struct {
	DocumentID   string   `json:"documentId"`
	Threshold    uint8    `json:"threshold"`
	KeyServerIDs []string `json:"keyServerIds"`
}

type keyMaterialResponse struct {
	VideoID        string                `json:"videoId"`
	Scheme         string                `json:"scheme"`
	Quality        string                `json:"quality"`
	Index          int                   `json:"index"`
	ContentAddress string                `json:"contentAddress"`
	Size           int                   `json:"size"`
	SealedKey      []byte                `json:"sealedKey,omitempty"`
	Seal           *sealDeliveryResponse `json:"seal,omitempty"`
}

func schemeMap(in map[model.SchemeKind]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k.String()] = v
	}
	return out
}

func toVideoResponse(v model.Video, renditions []model.Rendition) videoResponse {
	resp := videoResponse{
		ID:              v.ID,
		Title:           v.Title,
		DurationMillis:  v.Duration.Milliseconds(),
		CreatorRef:      v.CreatorRef,
		PolicyScope:     v.PolicyScope,
		EncryptionType:  string(v.EncryptionType),
		KeyScheme:       v.KeyScheme.String(),
		MasterManifest:  v.MasterManifestAddress(),
		MasterManifests: schemeMap(v.MasterManifestAddresses),
		PosterAddress:   v.PosterAddress,
		CreatedAt:       v.CreatedAt,
	}
	for _, r := range renditions {
		rr := renditionResponse{
			Scheme:          r.Scheme.String(),
			Quality:         r.QualityLabel,
			Resolution:      r.Resolution,
			Bitrate:         r.Bitrate,
			ManifestAddress: r.ManifestAddress,
			Segments:        make([]segmentResponse, 0, len(r.Segments)),
		}
		for _, seg := range r.Segments {
			rr.Segments = append(rr.Segments, segmentResponse{
				Index:          seg.Index,
				ContentAddress: seg.ContentAddress,
				Size:           seg.Size,
				DurationMillis: seg.Duration.Milliseconds(),
			})
		}
		resp.Renditions = append(resp.Renditions, rr)
	}
	return resp
}
