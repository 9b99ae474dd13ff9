// Package parser разбирает строки access-лога в типизированные события.
package parser

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sharewatch/internal/models"
)

// RejectReason — причина отказа в разборе строки.
type RejectReason string

const (
	RejectEmpty     RejectReason = "REJECT_EMPTY"
	RejectNoEmail   RejectReason = "REJECT_NO_EMAIL"
	RejectMalformed RejectReason = "REJECT_MALFORMED"
)

// ParseError — типизированный отказ разбора, никогда не паника.
type ParseError struct {
	Reason RejectReason
	Line   string
}

func (e *ParseError) Error() string {
	return string(e.Reason) + ": " + e.Line
}

// pattern анализирует access-лог вида:
// <YYYY/MM/DD HH:MM:SS[.ffffff]> from <ip>:<port> accepted <proto>:<dst>:<port> [<tag>] email: <addr>
var pattern = regexp.MustCompile(
	`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?)\s+` +
		`from\s+(?:tcp:|udp:)?(\[[0-9a-fA-F:]+\]|\d+\.\d+\.\d+\.\d+):\d+\s+` +
		`accepted\s+` +
		`(tcp|udp):([^:]+):(\d+)\s+` +
		`\[.*?(?:>>|->)\s*([\w-]+)\]` +
		`(?:\s+email:\s*(\S*))?`,
)

// Parse разбирает одну строку лога в Event либо возвращает типизированную ошибку.
// Parse — чистая функция: ни состояния, ни I/O.
func Parse(line string, nodeID string, observedAt time.Time) (*models.Event, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, &ParseError{Reason: RejectEmpty, Line: line}
	}

	match := pattern.FindStringSubmatch(trimmed)
	if match == nil {
		return nil, &ParseError{Reason: RejectMalformed, Line: trimmed}
	}

	sourceIP := strings.Trim(match[2], "[]")
	if net.ParseIP(sourceIP) == nil {
		return nil, &ParseError{Reason: RejectMalformed, Line: trimmed}
	}

	destPort, err := strconv.Atoi(match[5])
	if err != nil {
		return nil, &ParseError{Reason: RejectMalformed, Line: trimmed}
	}

	email := strings.TrimSpace(match[7])
	if email == "" {
		return nil, &ParseError{Reason: RejectNoEmail, Line: trimmed}
	}

	return &models.Event{
		NodeID:      nodeID,
		ObservedAt:  observedAt,
		SourceIP:    sourceIP,
		Email:       email,
		Protocol:    match[3],
		Destination: match[4],
		DestPort:    destPort,
		Action:      match[6],
		RawLine:     trimmed,
	}, nil
}

// CanonicalizeIP возвращает /24 (IPv4) или /64 (IPv6) сеть для source_ip,
// если включено SUBNET_GROUPING; иначе возвращает ip без изменений.
func CanonicalizeIP(ip string, subnetGrouping bool) string {
	if !subnetGrouping {
		return ip
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		mask := net.CIDRMask(24, 32)
		return v4.Mask(mask).String()
	}
	mask := net.CIDRMask(64, 128)
	return parsed.Mask(mask).String()
}
