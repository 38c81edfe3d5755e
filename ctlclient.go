package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mjl-/sherpa"

	"github.com/mjl-/mailsync/mox-"
)

var ctlClient = &http.Client{Timeout: 5 * time.Minute}

// xctlcall calls function fn of the control API of a serving mailsync, and
// stores the result in result if not nil. Errors are fatal.
func xctlcall(fn string, params []any, result any) {
	addr := mox.Conf.Static.CtlListen
	if addr == "" {
		log.Fatalf("no CtlListen configured, cannot reach serving mailsync")
	}
	if params == nil {
		params = []any{}
	}
	buf, err := json.Marshal(map[string]any{"params": params})
	xcheckf(err, "marshal request")

	resp, err := ctlClient.Post("http://"+addr+"/ctl/"+fn, "application/json", bytes.NewReader(buf))
	xcheckf(err, "calling %s", fn)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	xcheckf(err, "reading response")
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("calling %s: %s: %s", fn, resp.Status, bytes.TrimSpace(body))
	}

	var r struct {
		Result any           `json:"result"`
		Error  *sherpa.Error `json:"error"`
	}
	r.Result = result
	err = json.Unmarshal(body, &r)
	xcheckf(err, "parsing response")
	if r.Error != nil {
		xcheckf(fmt.Errorf("%s (%s)", r.Error.Message, r.Error.Code), "%s", fn)
	}
}
