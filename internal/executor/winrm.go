// Copyright 2025 OpsConductor Authors
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

// winrm.go implements winrm.exec, winrm.copy, and windows.command (spec
// §4.6) by speaking the WS-Management SOAP protocol directly over
// pkg/httpclient's HTTP client. No WinRM client library appears anywhere
// in the retrieval pack, so rather than fabricate a dependency this issues
// the four SOAP calls (create shell, command, receive output, delete
// shell) by hand; see DESIGN.md for the NTLM/Kerberos note.
package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsconductor/core/pkg/httpclient"
	opserrors "github.com/opsconductor/core/pkg/errors"
)

const winrmNamespaceEnvelope = `xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing" xmlns:wsman="http://schemas.dmtf.org/wbem/wsman/1/wsman.xsd" xmlns:rsp="http://schemas.microsoft.com/wbem/wsman/1/windows/shell"`

// winrmEndpoint builds the `http(s)://target:{5985|5986}/wsman` URL (spec
// §4.6).
func winrmEndpoint(host string, port int, https bool) string {
	scheme := "http"
	if https {
		scheme = "https"
	}
	if port == 0 {
		port = 5985
		if https {
			port = 5986
		}
	}
	return fmt.Sprintf("%s://%s:%d/wsman", scheme, host, port)
}

type winrmSession struct {
	endpoint string
	client   *http.Client
	username string
	password string
	shellID  string
}

func (d Dependencies) newWinRMSession(req Request) (*winrmSession, error) {
	if req.Target == nil {
		return nil, &opserrors.ValidationError{Field: "target_id", Message: "winrm step has no resolved target"}
	}
	https := req.Target.ServiceType == "winrm_https"
	endpoint := winrmEndpoint(req.Target.Hostname, req.Target.Port, https)

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = stepTimeout(req.Step)
	verifySSL := false // spec default: certificate validation off for WinRM
	if v, ok := req.Step.Params["verify_ssl"].(bool); ok {
		verifySSL = v
	}
	var client *http.Client
	var err error
	if verifySSL {
		client, err = httpclient.New(cfg)
	} else {
		client, err = httpclient.NewInsecure(cfg)
	}
	if err != nil {
		return nil, opserrors.Wrap(err, "winrm: build http client")
	}
	return &winrmSession{
		endpoint: endpoint,
		client:   client,
		username: req.Credential.Username,
		password: req.Credential.Password,
	}, nil
}

func (s *winrmSession) post(ctx context.Context, body string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewBufferString(body))
	if err != nil {
		return nil, opserrors.Wrap(err, "winrm: build request")
	}
	httpReq.Header.Set("Content-Type", `application/soap+xml;charset=UTF-8`)
	httpReq.SetBasicAuth(s.username, s.password)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, connErr("winrm", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return nil, &opserrors.TransientError{Op: "winrm", Message: fmt.Sprintf("status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 400 {
		return nil, &opserrors.ProtocolError{Protocol: "winrm", Detail: string(respBody), StatusCode: resp.StatusCode}
	}
	return respBody, nil
}

func (s *winrmSession) open(ctx context.Context) error {
	msgID := uuid.NewString()
	envelope := fmt.Sprintf(`<s:Envelope %s><s:Header>
  <wsa:To>%s</wsa:To>
  <wsa:Action>http://schemas.xmlsoap.org/ws/2004/09/transfer/Create</wsa:Action>
  <wsa:MessageID>uuid:%s</wsa:MessageID>
  <wsman:ResourceURI>http://schemas.microsoft.com/wbem/wsman/1/windows/shell/cmd</wsman:ResourceURI>
</s:Header>
<s:Body><rsp:Shell><rsp:InputStreams>stdin</rsp:InputStreams><rsp:OutputStreams>stdout stderr</rsp:OutputStreams></rsp:Shell></s:Body>
</s:Envelope>`, winrmNamespaceEnvelope, s.endpoint, msgID)

	body, err := s.post(ctx, envelope)
	if err != nil {
		return err
	}
	var created struct {
		Body struct {
			Shell struct {
				ShellID string `xml:"ShellId"`
			} `xml:"Shell"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &created); err != nil {
		return &opserrors.ProtocolError{Protocol: "winrm", Detail: "failed to parse shell creation response: " + err.Error()}
	}
	s.shellID = created.Body.Shell.ShellID
	if s.shellID == "" {
		return &opserrors.ProtocolError{Protocol: "winrm", Detail: "no ShellId returned"}
	}
	return nil
}

func (s *winrmSession) runCommand(ctx context.Context, command string) (commandID string, err error) {
	msgID := uuid.NewString()
	encoded := base64.StdEncoding.EncodeToString([]byte(command))
	envelope := fmt.Sprintf(`<s:Envelope %s><s:Header>
  <wsa:To>%s</wsa:To>
  <wsa:Action>http://schemas.microsoft.com/wbem/wsman/1/windows/shell/Command</wsa:Action>
  <wsa:MessageID>uuid:%s</wsa:MessageID>
  <wsman:ResourceURI>http://schemas.microsoft.com/wbem/wsman/1/windows/shell/cmd</wsman:ResourceURI>
  <wsman:SelectorSet><wsman:Selector Name="ShellId">%s</wsman:Selector></wsman:SelectorSet>
</s:Header>
<s:Body><rsp:CommandLine><rsp:Command>cmd.exe</rsp:Command><rsp:Arguments>/c %s</rsp:Arguments></rsp:CommandLine></s:Body>
</s:Envelope>`, winrmNamespaceEnvelope, s.endpoint, msgID, s.shellID, encoded)

	body, err := s.post(ctx, envelope)
	if err != nil {
		return "", err
	}
	var resp struct {
		Body struct {
			CommandResponse struct {
				CommandID string `xml:"CommandId"`
			} `xml:"CommandResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", &opserrors.ProtocolError{Protocol: "winrm", Detail: "failed to parse command response: " + err.Error()}
	}
	return resp.Body.CommandResponse.CommandID, nil
}

func (s *winrmSession) receive(ctx context.Context, commandID string) (stdout, stderr string, exitCode int, done bool, err error) {
	msgID := uuid.NewString()
	envelope := fmt.Sprintf(`<s:Envelope %s><s:Header>
  <wsa:To>%s</wsa:To>
  <wsa:Action>http://schemas.microsoft.com/wbem/wsman/1/windows/shell/Receive</wsa:Action>
  <wsa:MessageID>uuid:%s</wsa:MessageID>
  <wsman:ResourceURI>http://schemas.microsoft.com/wbem/wsman/1/windows/shell/cmd</wsman:ResourceURI>
  <wsman:SelectorSet><wsman:Selector Name="ShellId">%s</wsman:Selector></wsman:SelectorSet>
</s:Header>
<s:Body><rsp:Receive><rsp:DesiredStream CommandId="%s">stdout stderr</rsp:DesiredStream></rsp:Receive></s:Body>
</s:Envelope>`, winrmNamespaceEnvelope, s.endpoint, msgID, s.shellID, commandID)

	body, err := s.post(ctx, envelope)
	if err != nil {
		return "", "", 0, false, err
	}

	var resp struct {
		Body struct {
			ReceiveResponse struct {
				Stream []struct {
					Name    string `xml:"Name,attr"`
					End     string `xml:"End,attr"`
					Content string `xml:",chardata"`
				} `xml:"Stream"`
				CommandState struct {
					State    string `xml:"State,attr"`
					ExitCode int    `xml:"ExitCode"`
				} `xml:"CommandState"`
			} `xml:"ReceiveResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", "", 0, false, &opserrors.ProtocolError{Protocol: "winrm", Detail: "failed to parse receive response: " + err.Error()}
	}

	for _, st := range resp.Body.ReceiveResponse.Stream {
		decoded, _ := base64.StdEncoding.DecodeString(st.Content)
		switch st.Name {
		case "stdout":
			stdout += string(decoded)
		case "stderr":
			stderr += string(decoded)
		}
	}

	done = resp.Body.ReceiveResponse.CommandState.State == "http://schemas.microsoft.com/wbem/wsman/1/windows/shell/CommandState/Done"
	return stdout, stderr, resp.Body.ReceiveResponse.CommandState.ExitCode, done, nil
}

func (s *winrmSession) close(ctx context.Context) {
	if s.shellID == "" {
		return
	}
	msgID := uuid.NewString()
	envelope := fmt.Sprintf(`<s:Envelope %s><s:Header>
  <wsa:To>%s</wsa:To>
  <wsa:Action>http://schemas.xmlsoap.org/ws/2004/09/transfer/Delete</wsa:Action>
  <wsa:MessageID>uuid:%s</wsa:MessageID>
  <wsman:ResourceURI>http://schemas.microsoft.com/wbem/wsman/1/windows/shell/cmd</wsman:ResourceURI>
  <wsman:SelectorSet><wsman:Selector Name="ShellId">%s</wsman:Selector></wsman:SelectorSet>
</s:Header><s:Body/></s:Envelope>`, winrmNamespaceEnvelope, s.endpoint, msgID, s.shellID)
	_, _ = s.post(ctx, envelope)
}

// runWinRM opens a shell, submits command, and polls Receive until Done or
// the step's timeout elapses.
func (d Dependencies) runWinRM(ctx context.Context, req Request, command string) (Result, error) {
	timeout := stepTimeout(req.Step)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := d.newWinRMSession(req)
	if err != nil {
		return Result{}, err
	}
	if err := sess.open(ctx); err != nil {
		return Result{}, err
	}
	defer sess.close(context.Background())

	commandID, err := sess.runCommand(ctx, command)
	if err != nil {
		return Result{}, err
	}

	var stdout, stderr string
	exitCode := 0
	for {
		select {
		case <-ctx.Done():
			return Result{}, &opserrors.TimeoutError{Operation: "winrm.exec", Duration: timeout}
		default:
		}

		out, errOut, code, done, err := sess.receive(ctx, commandID)
		stdout += out
		stderr += errOut
		exitCode = code
		if err != nil {
			return Result{}, err
		}
		if done {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	stdout = redactSecrets(stdout, req.Credential.Password)
	stderr = redactSecrets(stderr, req.Credential.Password)
	metrics := map[string]interface{}{"rendered_command": command}

	if exitCode == 0 {
		return Succeeded(stdout, metrics), nil
	}
	return Failed(exitCode, stdout, stderr, metrics), nil
}

// winrmExec implements winrm.exec: run_ps (PowerShell) or run_cmd (cmd).
func (d Dependencies) winrmExec(ctx context.Context, req Request) (Result, error) {
	command := stringParam(req.Step.Params, "command", "")
	if command == "" {
		return Result{}, &opserrors.ValidationError{Field: "command", Message: "winrm.exec requires a rendered command"}
	}
	if _, err := CheckCommand(d.Safety, command); err != nil {
		return Result{}, err
	}

	shell := stringParam(req.Step.Params, "shell", "powershell")
	wrapped := command
	if shell == "powershell" {
		encoded := base64.StdEncoding.EncodeToString(utf16le(command))
		wrapped = "powershell -NoProfile -NonInteractive -EncodedCommand " + encoded
	}
	return d.runWinRM(ctx, req, wrapped)
}

// windowsCommand implements windows.command: a higher-level variant that
// generates a PowerShell invocation from a templated name + parameters
// (spec §4.6: system_info, disk_space, services, event_logs, registry,
// scheduled_tasks, iis_info, custom_script).
func (d Dependencies) windowsCommand(ctx context.Context, req Request) (Result, error) {
	name := stringParam(req.Step.Params, "name", "")
	script, err := windowsCommandScript(name, req.Step.Params)
	if err != nil {
		return Result{}, err
	}
	if _, err := CheckCommand(d.Safety, script); err != nil {
		return Result{}, err
	}

	encoded := base64.StdEncoding.EncodeToString(utf16le(script))
	wrapped := "powershell -NoProfile -NonInteractive -EncodedCommand " + encoded
	return d.runWinRM(ctx, req, wrapped)
}

func windowsCommandScript(name string, params map[string]interface{}) (string, error) {
	switch name {
	case "system_info":
		return "Get-ComputerInfo | ConvertTo-Json -Depth 3", nil
	case "disk_space":
		return "Get-Volume | ConvertTo-Json -Depth 3", nil
	case "services":
		return "Get-Service | ConvertTo-Json -Depth 3", nil
	case "event_logs":
		logName := stringParam(params, "log_name", "System")
		count := intParam(params, "count", 50)
		return fmt.Sprintf("Get-WinEvent -LogName %s -MaxEvents %d | ConvertTo-Json -Depth 3", psQuote(logName), count), nil
	case "registry":
		keyPath := stringParam(params, "path", "")
		return fmt.Sprintf("Get-ItemProperty -Path %s | ConvertTo-Json -Depth 3", psQuote(keyPath)), nil
	case "scheduled_tasks":
		return "Get-ScheduledTask | ConvertTo-Json -Depth 3", nil
	case "iis_info":
		return "Import-Module WebAdministration; Get-Website | ConvertTo-Json -Depth 3", nil
	case "custom_script":
		body := stringParam(params, "script", "")
		if body == "" {
			return "", &opserrors.ValidationError{Field: "script", Message: "windows.command custom_script requires a rendered script body"}
		}
		return body, nil
	default:
		return "", &opserrors.ValidationError{Field: "name", Message: "unsupported windows.command name: " + name}
	}
}

// winrmCopy writes a base64-decoded blob to a destination path via a
// PowerShell here-string (spec §4.6).
func (d Dependencies) winrmCopy(ctx context.Context, req Request) (Result, error) {
	content := stringParam(req.Step.Params, "content_base64", "")
	dest := stringParam(req.Step.Params, "remote", "")
	if content == "" || dest == "" {
		return Result{}, &opserrors.ValidationError{Field: "content_base64/remote", Message: "winrm.copy requires content_base64 and remote"}
	}
	script := fmt.Sprintf(`$bytes = [Convert]::FromBase64String(%s); [IO.File]::WriteAllBytes(%s, $bytes)`, psQuote(content), psQuote(dest))
	return d.runWinRM(ctx, req, "powershell -NoProfile -NonInteractive -Command "+psQuote(script))
}

// psQuote produces a PowerShell single-quoted string literal, doubling
// embedded single quotes per PowerShell's escaping rule.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// utf16le encodes s as UTF-16LE, the encoding PowerShell's -EncodedCommand
// expects.
func utf16le(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 0, len(runes)*2)
	for _, r := range runes {
		if r > 0xFFFF {
			r = '?'
		}
		buf = append(buf, byte(r), byte(r>>8))
	}
	return buf
}
