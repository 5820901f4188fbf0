// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package support

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

// HandleFatalDialError prints a user-friendly diagnostic for an initial
// dial failure to the Intermediate and exits. It is only for the
// first-connect path; reconnect failures are logged and retried instead,
// never fatal.
func HandleFatalDialError(err error, addr string) {
	if IsConnRefused(err) || IsDialTimeout(err) {
		fmt.Println("❌ Unable to reach intermediate:", addr)
		fmt.Println("   Make sure the intermediate is running and reachable")
		os.Exit(1)
	}
	if err != nil {
		fmt.Printf("❌ Failed to connect: %v\n", err)
	} else {
		fmt.Println("❌ Failed to connect: unknown error")
	}
	os.Exit(1)
}

// IsConnRefused returns true if error indicates connection refused
func IsConnRefused(err error) bool {
	var uerr *url.Error
	if As(err, &uerr) {
		if IsConnRefused(uerr.Err) {
			return true
		}
	}
	var op *net.OpError
	if As(err, &op) {
		if se, ok := op.Err.(*os.SyscallError); ok {
			return se.Err == syscall.ECONNREFUSED
		}
		// sometimes wrapped directly
		if se, ok := op.Err.(*os.SyscallError); ok {
			return se.Err == syscall.ECONNREFUSED
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

// IsDialTimeout returns true if error indicates dial timeout
func IsDialTimeout(err error) bool {
	var ne net.Error
	if As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// IsIdleTimeout reports whether err is a QUIC idle-timeout, as opposed to a
// handshake failure or reset — used to decide whether a dropped connection
// should be logged at warn (expected, will reconnect) or error level.
func IsIdleTimeout(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout: no recent network activity")
}

// IsAuthzRefused reports whether err reflects a peer-side authorization
// refusal (NACK or identity-check failure) rather than a network fault.
func IsAuthzRefused(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not authorized") || strings.Contains(msg, "nack")
}

// As is a wrapper around errors.As for compatibility
func As(err error, target any) bool {
	switch t := target.(type) {
	case **url.Error:
		if uerr, ok := err.(*url.Error); ok {
			*t = uerr
			return true
		}
	case **net.OpError:
		if operr, ok := err.(*net.OpError); ok {
			*t = operr
			return true
		}
	case *net.Error:
		if nerr, ok := err.(net.Error); ok {
			*t = nerr
			return true
		}
	}
	return false
}
