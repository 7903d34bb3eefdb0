/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sdp

import (
	"regexp"
	"strings"
)

// PreferCodec returns the provided session description with the payload types
// of codec moved to the front of the first audio or video media line. All
// other lines are kept verbatim. The description is returned unchanged if
// the codec or the media line cannot be found.
func PreferCodec(description string, codec string, isAudio bool) string {
	separator := "\n"
	if strings.Contains(description, "\r\n") {
		separator = "\r\n"
	}
	lines := strings.Split(description, separator)

	mLineIndex := findMediaDescriptionLine(isAudio, lines)
	if mLineIndex == -1 {
		return description
	}

	// a=rtpmap:<payload type> <encoding name>/<clock rate> [/<encoding parameters>]
	codecPattern, err := regexp.Compile("^a=rtpmap:(\\d+) (?i:" + regexp.QuoteMeta(codec) + ")(/\\d+)+\r?$")
	if err != nil {
		return description
	}
	codecPayloadTypes := make(map[string]bool)
	for _, line := range lines[mLineIndex+1:] {
		if strings.HasPrefix(line, "m=") {
			break
		}
		if match := codecPattern.FindStringSubmatch(line); match != nil {
			codecPayloadTypes[match[1]] = true
		}
	}
	if len(codecPayloadTypes) == 0 {
		return description
	}

	mLine, ok := movePayloadTypesToFront(codecPayloadTypes, lines[mLineIndex])
	if !ok {
		return description
	}

	out := make([]string, len(lines))
	copy(out, lines)
	out[mLineIndex] = mLine
	return strings.Join(out, separator)
}

func findMediaDescriptionLine(isAudio bool, lines []string) int {
	prefix := "m=video "
	if isAudio {
		prefix = "m=audio "
	}
	for i, line := range lines {
		if strings.HasPrefix(line, prefix) {
			return i
		}
	}
	return -1
}

// movePayloadTypesToFront reorders the format list of a media line in the
// form m=<media> <port> <proto> <fmt> ...
func movePayloadTypesToFront(preferred map[string]bool, mLine string) (string, bool) {
	trailer := ""
	if strings.HasSuffix(mLine, "\r") {
		trailer = "\r"
		mLine = strings.TrimSuffix(mLine, "\r")
	}
	parts := strings.Split(mLine, " ")
	if len(parts) <= 3 {
		return "", false
	}

	first := make([]string, 0, len(parts)-3)
	rest := make([]string, 0, len(parts)-3)
	for _, pt := range parts[3:] {
		if preferred[pt] {
			first = append(first, pt)
		} else {
			rest = append(rest, pt)
		}
	}
	if len(first) == 0 {
		return "", false
	}

	out := make([]string, 0, len(parts))
	out = append(out, parts[:3]...)
	out = append(out, first...)
	out = append(out, rest...)
	return strings.Join(out, " ") + trailer, true
}
