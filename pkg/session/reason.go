// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/AleutianAI/finychat/pkg/api"
	"github.com/AleutianAI/finychat/pkg/chat"
	"github.com/AleutianAI/finychat/pkg/sse"
)

// isProtocolError reports whether err came from an undecodable stream.
func isProtocolError(err error) bool {
	var pe *sse.ProtocolError
	return errors.As(err, &pe) ||
		errors.Is(err, sse.ErrLineTooLong) ||
		errors.Is(err, chat.ErrInvalidPayload) ||
		errors.Is(err, chat.ErrUnmatchedToolResult)
}

// reason turns a failed-send error into the text shown in the error slot.
func reason(err error) string {
	var status *api.StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code == http.StatusUnauthorized || status.Code == http.StatusForbidden:
			return "Not authorized. Check your access token."
		case status.Code == http.StatusNotFound:
			return "This conversation no longer exists. Start a new one."
		case status.Code == http.StatusTooManyRequests:
			return "Too many requests. Wait a moment and try again."
		case status.Code >= 500:
			return fmt.Sprintf("The server had a problem (%d). Try again.", status.Code)
		case status.Detail != "":
			return "Request rejected: " + status.Detail
		default:
			return fmt.Sprintf("Request rejected (%d).", status.Code)
		}
	}

	if errors.Is(err, api.ErrInvalidRequest) {
		return "The message could not be sent. It may be too long."
	}

	if isProtocolError(err) {
		return "Received an unreadable response from the server."
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "The server took too long to respond."
	}

	var netErr net.Error
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.As(err, &netErr) {
		return "Could not reach the server. Check your connection."
	}

	return "The connection to the server was interrupted."
}
