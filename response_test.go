package offlinecache

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestResponseToBytesBodyIntact(t *testing.T) {
	response := `HTTP/1.1 200 OK
Server: Test

This is the body`

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	_, err = responseToBytes(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if fmt.Sprintf("%s", body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestBytesToResponseRoundTrip(t *testing.T) {
	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(
		"HTTP/1.1 200 OK\nContent-Type: application/pdf\n\nPDF-BYTES")), nil)
	if err != nil {
		panic(err)
	}

	bts, err := responseToBytes(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	restored, err := bytesToResponse(bts)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if ct := restored.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("Content-Type is %s", ct)
	}
	body, _ := io.ReadAll(restored.Body)
	if string(body) != "PDF-BYTES" {
		t.Fatalf("Body: %s", body)
	}
}
