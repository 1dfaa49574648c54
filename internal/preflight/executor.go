package preflight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "ProofMarket/internal/errors"
)

// DefaultExecutor is the executor binary looked up on PATH.
const DefaultExecutor = "r0vm"

// SessionInfo is the outcome of a local guest execution.
type SessionInfo struct {
	Journal  []byte
	Cycles   uint64
	Segments int
}

// Executor runs a guest program to completion without proving it.
type Executor interface {
	Execute(ctx context.Context, program, stdin []byte) (*SessionInfo, error)
}

// CommandExecutor runs an external executor. The program is written to a
// temporary file passed as the last argument, stdin is piped through, and the
// command prints {"journal":"0x..","cycles":N,"segments":N} on stdout.
type CommandExecutor struct {
	path string
	args []string
	dir  string
}

// NewCommandExecutor resolves command on PATH.
func NewCommandExecutor(command string, args []string, workingDir string) (*CommandExecutor, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultExecutor
	}
	resolved, err := exec.LookPath(command)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err,
			fmt.Sprintf("未找到执行器 %s，请先安装或在配置中指定 preflight.executor", command))
	}
	return &CommandExecutor{path: resolved, args: append([]string(nil), args...), dir: workingDir}, nil
}

// Execute implements Executor.
func (c *CommandExecutor) Execute(ctx context.Context, program, stdin []byte) (*SessionInfo, error) {
	file, err := os.CreateTemp("", "guest-*.elf")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackend, err, "创建临时程序文件失败", xerrors.WithStage(xerrors.StagePreflight))
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(program); err != nil {
		file.Close()
		return nil, xerrors.Wrap(xerrors.CodeBackend, err, "写入临时程序文件失败", xerrors.WithStage(xerrors.StagePreflight))
	}
	if err := file.Close(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackend, err, "关闭临时程序文件失败", xerrors.WithStage(xerrors.StagePreflight))
	}

	args := append(append([]string(nil), c.args...), file.Name())
	command := exec.CommandContext(ctx, c.path, args...)
	if c.dir != "" {
		command.Dir = c.dir
	}
	command.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackend, err,
			fmt.Sprintf("执行 guest 失败, stderr=%s", strings.TrimSpace(stderr.String())),
			xerrors.WithStage(xerrors.StagePreflight))
	}

	var out struct {
		Journal  hexutil.Bytes `json:"journal"`
		Cycles   uint64        `json:"cycles"`
		Segments int           `json:"segments"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackend, err, "解析执行器输出失败", xerrors.WithStage(xerrors.StagePreflight))
	}
	return &SessionInfo{Journal: out.Journal, Cycles: out.Cycles, Segments: out.Segments}, nil
}
