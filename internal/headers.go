package internal

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/sebest/xff"
)

// RemoteXRealIP sets the X-Real-Ip header to the request's real IP if
// the setting is enabled by the user.
func RemoteXRealIP(useRemoteAddress bool, bindNetwork string, next http.Handler) http.Handler {
	if !useRemoteAddress {
		slog.Debug("skipping middleware, useRemoteAddress is empty")
		return next
	}

	if bindNetwork == "unix" {
		// For local sockets there is no real remote address but the localhost
		// address should be sensible.
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Set("X-Real-Ip", "127.0.0.1")
			next.ServeHTTP(w, r)
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			slog.Error("can't split remote address", "remote_addr", r.RemoteAddr, "err", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		r.Header.Set("X-Real-Ip", host)
		next.ServeHTTP(w, r)
	})
}

// XForwardedForToXRealIP sets X-Real-Ip to the first public address in
// X-Forwarded-For when the header is present.
func XForwardedForToXRealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if xffHeader := r.Header.Get("X-Forwarded-For"); r.Header.Get("X-Real-Ip") == "" && xffHeader != "" {
			if ip := xff.Parse(xffHeader); ip != "" {
				slog.Debug("setting x-real-ip", "val", ip)
				r.Header.Set("X-Real-Ip", ip)
			}
		}

		next.ServeHTTP(w, r)
	})
}

// XForwardedForUpdate appends the direct peer to X-Forwarded-For before the
// request is proxied upstream. With stripPrivate, private and loopback hops
// are removed from the list first.
func XForwardedForUpdate(stripPrivate bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer next.ServeHTTP(w, r)

		remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || remoteIP == "" {
			return
		}

		if stripPrivate {
			if ip := net.ParseIP(remoteIP); ip != nil && !xff.IsPublicIP(ip) {
				return
			}
		}

		var hops []string
		for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
			hop = strings.TrimSpace(hop)
			if hop == "" {
				continue
			}

			if stripPrivate {
				if ip := net.ParseIP(hop); ip == nil || !xff.IsPublicIP(ip) {
					continue
				}
			}

			hops = append(hops, hop)
		}

		hops = append(hops, remoteIP)
		r.Header.Set("X-Forwarded-For", strings.Join(hops, ", "))
	})
}
