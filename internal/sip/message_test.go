package sip

import (
	"bufio"
	"strings"
	"testing"
)

func TestReadMessageRequest(t *testing.T) {
	raw := "REGISTER sip:gw.example SIP/2.0\r\n" +
		"Contact: alice\r\n" +
		"From: alice\r\n" +
		"CSeq: 1 REGISTER\r\n" +
		"X-Tunnel: tun0\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	msg, err := ReadMessage(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.IsResponse {
		t.Fatal("expected a request")
	}
	if msg.Method != "register" {
		t.Errorf("Method = %q, want register", msg.Method)
	}
	if msg.RequestURI != "sip:gw.example" {
		t.Errorf("RequestURI = %q", msg.RequestURI)
	}
	if got := msg.Header("contact"); got != "alice" {
		t.Errorf("Header(contact) = %q, want alice", got)
	}
	if got := msg.Header("x-tunnel"); got != "tun0" {
		t.Errorf("Header(x-tunnel) = %q, want tun0", got)
	}
}

func TestReadMessageResponse(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\nCSeq: 1 REGISTER\r\n\r\n"
	msg, err := ReadMessage(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !msg.IsResponse || msg.StatusCode != 200 {
		t.Fatalf("got IsResponse=%v StatusCode=%d, want true/200", msg.IsResponse, msg.StatusCode)
	}
}

func TestReadMessageMalformedStartLine(t *testing.T) {
	_, err := ReadMessage(bufio.NewReader(strings.NewReader("garbage\r\n\r\n")))
	if err == nil {
		t.Fatal("expected an error for a malformed start line")
	}
}

func TestAllowsMethod(t *testing.T) {
	raw := "INVITE sip:bob@gw SIP/2.0\r\nAllow: invite, register\r\n\r\n"
	msg, err := ReadMessage(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !msg.AllowsMethod("invite") {
		t.Error("expected AllowsMethod(invite) to be true")
	}
	if msg.AllowsMethod("bye") {
		t.Error("expected AllowsMethod(bye) to be false")
	}
}

func TestNewResponseEchoesHeaders(t *testing.T) {
	raw := "REGISTER sip:gw SIP/2.0\r\nCSeq: 1 REGISTER\r\nContact: alice\r\n\r\n"
	req, err := ReadMessage(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	resp := NewResponse(req, 200)
	var b strings.Builder
	resp.WriteTo(&b)

	out := b.String()
	if !strings.HasPrefix(out, "SIP/2.0 200 OK\r\n") {
		t.Fatalf("unexpected status line: %q", out)
	}
	if !strings.Contains(out, "Contact: alice") {
		t.Errorf("expected echoed Contact header, got %q", out)
	}
}
