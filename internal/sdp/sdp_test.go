/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sdp

import (
	"strings"
	"testing"
)

var testDescription = strings.Join([]string{
	"v=0",
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
	"s=-",
	"t=0 0",
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 103 0",
	"a=rtpmap:111 opus/48000/2",
	"a=rtpmap:103 ISAC/16000",
	"a=rtpmap:0 PCMU/8000",
	"m=video 9 UDP/TLS/RTP/SAVPF 96 97 98 99 100",
	"a=rtpmap:96 VP8/90000",
	"a=rtpmap:97 rtx/90000",
	"a=rtpmap:98 H264/90000",
	"a=fmtp:98 profile-level-id=42e01f",
	"a=rtpmap:99 VP9/90000",
	"a=rtpmap:100 H264/90000",
	"",
}, "\r\n")

func mediaLine(t *testing.T, description string, prefix string) string {
	for _, line := range strings.Split(description, "\r\n") {
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	t.Fatalf("no %q line in description", prefix)
	return ""
}

func TestPreferCodecVideo(t *testing.T) {
	out := PreferCodec(testDescription, "H264", false)

	if got, want := mediaLine(t, out, "m=video "), "m=video 9 UDP/TLS/RTP/SAVPF 98 100 96 97 99"; got != want {
		t.Errorf("wrong video line: got %q want %q", got, want)
	}

	inLines := strings.Split(testDescription, "\r\n")
	outLines := strings.Split(out, "\r\n")
	if len(inLines) != len(outLines) {
		t.Fatalf("line count changed: got %d want %d", len(outLines), len(inLines))
	}
	for i := range inLines {
		if strings.HasPrefix(inLines[i], "m=video ") {
			continue
		}
		if inLines[i] != outLines[i] {
			t.Errorf("line %d changed: got %q want %q", i, outLines[i], inLines[i])
		}
	}
}

func TestPreferCodecAudio(t *testing.T) {
	out := PreferCodec(testDescription, "ISAC", true)
	if got, want := mediaLine(t, out, "m=audio "), "m=audio 9 UDP/TLS/RTP/SAVPF 103 111 0"; got != want {
		t.Errorf("wrong audio line: got %q want %q", got, want)
	}
	if got, want := mediaLine(t, out, "m=video "), mediaLine(t, testDescription, "m=video "); got != want {
		t.Errorf("video line must not change: got %q", got)
	}
}

func TestPreferCodecCaseInsensitive(t *testing.T) {
	out := PreferCodec(testDescription, "vp9", false)
	if got, want := mediaLine(t, out, "m=video "), "m=video 9 UDP/TLS/RTP/SAVPF 99 96 97 98 100"; got != want {
		t.Errorf("wrong video line: got %q want %q", got, want)
	}
}

func TestPreferCodecUnchanged(t *testing.T) {
	tests := []struct {
		name        string
		description string
		codec       string
		isAudio     bool
	}{
		{"absent codec", testDescription, "AV1", false},
		{"codec of other section", testDescription, "opus", false},
		{"no media line", "v=0\r\ns=-\r\n", "VP8", false},
		{"short media line", "v=0\r\nm=video 9 RTP/AVP\r\na=rtpmap:96 VP8/90000\r\n", "VP8", false},
		{"payload type not listed", "v=0\r\nm=video 9 RTP/AVP 97\r\na=rtpmap:96 VP8/90000\r\n", "VP8", false},
		{"empty", "", "VP8", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if out := PreferCodec(test.description, test.codec, test.isAudio); out != test.description {
				t.Errorf("description changed: got %q want %q", out, test.description)
			}
		})
	}
}

func TestPreferCodecLineFeedOnly(t *testing.T) {
	description := "v=0\nm=video 9 RTP/AVP 96 98\na=rtpmap:96 VP8/90000\na=rtpmap:98 H264/90000\n"
	want := "v=0\nm=video 9 RTP/AVP 98 96\na=rtpmap:96 VP8/90000\na=rtpmap:98 H264/90000\n"
	if out := PreferCodec(description, "H264", false); out != want {
		t.Errorf("wrong result: got %q want %q", out, want)
	}
}
