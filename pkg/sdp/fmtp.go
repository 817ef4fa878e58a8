package sdp

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// buildFmtp renders the codec-specific fmtp value for a track, or "" if the
// codec carries no format parameters.
func buildFmtp(pt string, track Track) (string, error) {
	switch track.Codec {
	case CodecH264:
		return buildH264Fmtp(pt, track)
	case CodecH265:
		return buildH265Fmtp(pt, track)
	case CodecAAC:
		return buildAACFmtp(pt, track)
	default:
		return "", nil
	}
}

// parseFmtp dispatches an fmtp attribute value ("<payload-type> k1=v1;k2=v2")
// into track, by codec.
func parseFmtp(value string, track *Track) error {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return fmt.Errorf("malformed fmtp %q", value)
	}

	params := parseParamList(fields[1])

	switch track.Codec {
	case CodecH264:
		return parseH264Fmtp(params, track)
	case CodecH265:
		return parseH265Fmtp(params, track)
	case CodecAAC:
		return parseAACFmtp(params, track)
	default:
		return nil
	}
}

func parseParamList(s string) map[string]string {
	out := make(map[string]string)
	for _, kv := range strings.Split(s, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

// --- H.264 (RFC 6184 section 8.1) ---

func buildH264Fmtp(pt string, track Track) (string, error) {
	var profileLevelID string
	if len(track.SPS) >= 4 {
		profileLevelID = fmt.Sprintf("%02x%02x%02x", track.SPS[1], track.SPS[2], track.SPS[3])
	} else {
		profileLevelID = "42e01e"
	}

	params := []string{
		"packetization-mode=1",
		"profile-level-id=" + profileLevelID,
	}

	if len(track.SPS) > 0 && len(track.PPS) > 0 {
		spropSets := encodeB64(track.SPS) + "," + encodeB64(track.PPS)
		params = append(params, "sprop-parameter-sets="+spropSets)
	}

	return pt + " " + strings.Join(params, ";"), nil
}

func parseH264Fmtp(params map[string]string, track *Track) error {
	spropSets, ok := params["sprop-parameter-sets"]
	if !ok {
		return nil
	}

	parts := strings.Split(spropSets, ",")
	if len(parts) < 2 {
		return fmt.Errorf("sprop-parameter-sets must carry SPS and PPS, got %q", spropSets)
	}

	sps, err := decodeB64(parts[0])
	if err != nil {
		return fmt.Errorf("decode sprop SPS: %w", err)
	}
	pps, err := decodeB64(parts[1])
	if err != nil {
		return fmt.Errorf("decode sprop PPS: %w", err)
	}

	track.SPS = sps
	track.PPS = pps
	return nil
}

// --- H.265 (RFC 7798 section 7.1) ---

func buildH265Fmtp(pt string, track Track) (string, error) {
	var params []string
	if len(track.VPS) > 0 {
		params = append(params, "sprop-vps="+encodeB64(track.VPS))
	}
	if len(track.SPS) > 0 {
		params = append(params, "sprop-sps="+encodeB64(track.SPS))
	}
	if len(track.PPS) > 0 {
		params = append(params, "sprop-pps="+encodeB64(track.PPS))
	}
	if len(params) == 0 {
		return "", nil
	}
	return pt + " " + strings.Join(params, ";"), nil
}

func parseH265Fmtp(params map[string]string, track *Track) error {
	if v, ok := params["sprop-vps"]; ok {
		vps, err := decodeB64(v)
		if err != nil {
			return fmt.Errorf("decode sprop-vps: %w", err)
		}
		track.VPS = vps
	}
	if v, ok := params["sprop-sps"]; ok {
		sps, err := decodeB64(v)
		if err != nil {
			return fmt.Errorf("decode sprop-sps: %w", err)
		}
		track.SPS = sps
	}
	if v, ok := params["sprop-pps"]; ok {
		pps, err := decodeB64(v)
		if err != nil {
			return fmt.Errorf("decode sprop-pps: %w", err)
		}
		track.PPS = pps
	}
	return nil
}

// --- AAC (RFC 3640 section 4.1, AAC-hbr AU-header mode) ---

func buildAACFmtp(pt string, track Track) (string, error) {
	params := []string{
		"streamtype=5",
		"profile-level-id=1",
		"mode=AAC-hbr",
		"sizelength=13",
		"indexlength=3",
		"indexdeltalength=3",
	}
	if len(track.AACConfig) > 0 {
		params = append(params, "config="+hex.EncodeToString(track.AACConfig))
	}
	return pt + " " + strings.Join(params, ";"), nil
}

func parseAACFmtp(params map[string]string, track *Track) error {
	configHex, ok := params["config"]
	if !ok {
		return nil
	}
	config, err := hex.DecodeString(configHex)
	if err != nil {
		return fmt.Errorf("decode AAC config: %w", err)
	}
	track.AACConfig = config
	return nil
}

// AACSampleRate decodes the sampling-frequency-index out of a 2-byte
// AudioSpecificConfig, per ISO/IEC 14496-3 table 1.18, so a session can
// derive the RTP clock rate it should use for an AAC track whose SDP omitted
// an explicit rtpmap clock rate.
var aacSampleRates = [...]uint32{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

func AACSampleRate(config []byte) (uint32, error) {
	if len(config) < 2 {
		return 0, fmt.Errorf("AudioSpecificConfig too short")
	}
	idx := ((config[0] & 0x07) << 1) | (config[1] >> 7)
	if int(idx) >= len(aacSampleRates) {
		return 0, fmt.Errorf("AudioSpecificConfig sampling-frequency-index %d out of range", idx)
	}
	return aacSampleRates[idx], nil
}
