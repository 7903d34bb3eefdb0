/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package kwmapprtc provides a headless AppRTC compatible call client.
package kwmapprtc
