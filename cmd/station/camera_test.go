package main

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestLineCameraSplitsCodesAndControls(t *testing.T) {
	cam := newLineCamera(strings.NewReader("ABC\n\n:confirm\n  DEF  \n"))
	if err := cam.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer cam.Close()

	var codes []string
	deadline := time.Now().Add(time.Second)
	for len(codes) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("codes = %v", codes)
		}
		code, ok, err := cam.Read(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			codes = append(codes, code)
		}
	}
	if codes[0] != "ABC" || codes[1] != "DEF" {
		t.Errorf("codes = %v", codes)
	}
	if c := <-cam.controls; c != "confirm" {
		t.Errorf("control = %q", c)
	}
	if _, ok := <-cam.controls; ok {
		t.Error("controls not closed at end of input")
	}
	if !cam.drained() {
		t.Error("camera not drained")
	}
}
