// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		level Level
		name  string
		num   string
	}{
		{Warning, `"warning"`, "0"},
		{Info, `"info"`, "1"},
		{Debug, `"debug"`, "2"},
	} {
		b, err := json.Marshal(tc.level)
		if err != nil {
			t.Fatalf("Marshal(%v): %v", tc.level, err)
		}
		if string(b) != tc.name {
			t.Errorf("Marshal(%v) = %s, want %s", tc.level, b, tc.name)
		}
		for _, in := range []string{tc.name, tc.num} {
			var got Level
			if err := json.Unmarshal([]byte(in), &got); err != nil {
				t.Errorf("Unmarshal(%s): %v", in, err)
			} else if got != tc.level {
				t.Errorf("Unmarshal(%s) = %v, want %v", in, got, tc.level)
			}
		}
	}
	var l Level
	if err := json.Unmarshal([]byte(`"fatal"`), &l); err == nil {
		t.Errorf("Unmarshal(fatal) succeeded, want error")
	}
}

func TestJSONEmitters(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, tc := range []struct {
		name  string
		emit  func(w *Writer) Emitter
		field string
	}{
		{"json", func(w *Writer) Emitter { return JSONEmitter{w} }, "msg"},
		{"json-k8s", func(w *Writer) Emitter { return K8sJSONEmitter{w} }, "log"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			tc.emit(&Writer{Next: &buf}).Emit(0, Info, ts, "bulk %d done", 7)
			var got map[string]any
			if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatalf("output %q is not JSON: %v", buf.String(), err)
			}
			msg, _ := got[tc.field].(string)
			if !strings.HasSuffix(msg, "] bulk 7 done") {
				t.Errorf("%s = %q, want caller prefix and message", tc.field, msg)
			}
			delete(got, tc.field)
			want := map[string]any{"level": "info", "time": "2024-01-02T03:04:05Z"}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("fields mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
