package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/ambiware-labs/timbre/internal/config"
	"github.com/mattn/go-shellwords"
)

// NewExecProvider returns a provider that shells out to the configured
// engine commands. Each engine speaks a small JSON-over-stdio protocol;
// embeddings cross the process boundary as files or base64.
func NewExecProvider(cfg config.ModelsConfig) Provider {
	return &execProvider{cfg: cfg}
}

type execProvider struct {
	cfg config.ModelsConfig
}

func parseCommand(kind, command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", kind, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command is empty", kind)
	}
	return args, nil
}

func runCommand(ctx context.Context, argv []string) ([]byte, error) {
	command := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (p *execProvider) LoadExtractor(ctx context.Context) (Extractor, error) {
	args, err := parseCommand("extractor", p.cfg.ExtractorCommand)
	if err != nil {
		return nil, err
	}
	return &execExtractor{cmd: args, device: p.cfg.Device}, nil
}

func (p *execProvider) LoadConverter(ctx context.Context) (Converter, error) {
	args, err := parseCommand("converter", p.cfg.ConverterCommand)
	if err != nil {
		return nil, err
	}
	conv := &execConverter{cmd: args, device: p.cfg.Device}
	// Probe the checkpoint now so a broken install degrades the registry
	// at startup instead of on the first request.
	if _, err := runCommand(ctx, append(append([]string{}, args...), "--probe")); err != nil {
		return nil, err
	}
	return conv, nil
}

func (p *execProvider) LoadSynthesizer(ctx context.Context, language string) (Synthesizer, error) {
	command := p.cfg.SynthCommands[language]
	if command == "" {
		return nil, fmt.Errorf("no synthesizer command configured for language %q", language)
	}
	args, err := parseCommand("synthesizer", command)
	if err != nil {
		return nil, err
	}

	out, err := runCommand(ctx, append(append([]string{}, args...), "--list-speakers"))
	if err != nil {
		return nil, err
	}
	var listing struct {
		Speakers []string `json:"speakers"`
	}
	if err := json.Unmarshal(out, &listing); err != nil {
		return nil, fmt.Errorf("decode speaker listing: %w", err)
	}

	return &execSynth{cmd: args, speakers: listing.Speakers}, nil
}

type execExtractor struct {
	cmd    []string
	device string
	mu     sync.Mutex
}

type extractResult struct {
	Embedding   string `json:"embedding"`
	SourceLabel string `json:"source_label"`
}

func (e *execExtractor) Extract(ctx context.Context, path string, vad bool) (Embedding, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	argv := append([]string{}, e.cmd...)
	argv = append(argv, "--audio", path, "--device", e.device)
	if vad {
		argv = append(argv, "--vad")
	}

	out, err := runCommand(ctx, argv)
	if err != nil {
		return nil, "", err
	}

	var resp extractResult
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, "", fmt.Errorf("decode extractor response: %w", err)
	}
	embedding, err := base64.StdEncoding.DecodeString(resp.Embedding)
	if err != nil {
		return nil, "", fmt.Errorf("decode embedding payload: %w", err)
	}
	return Embedding(embedding), resp.SourceLabel, nil
}

type execSynth struct {
	cmd      []string
	speakers []string
	mu       sync.Mutex
}

func (s *execSynth) SpeakerKeys() []string {
	return append([]string(nil), s.speakers...)
}

func (s *execSynth) Synthesize(ctx context.Context, text, speakerKey string, speed float64, outputPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	argv := append([]string{}, s.cmd...)
	argv = append(argv,
		"--text", text,
		"--speaker", speakerKey,
		"--speed", strconv.FormatFloat(speed, 'f', -1, 64),
		"--output", outputPath,
	)
	_, err := runCommand(ctx, argv)
	return err
}

type execConverter struct {
	cmd    []string
	device string
	mu     sync.Mutex
}

type sourceRefResult struct {
	Embedding string `json:"embedding"`
}

func (c *execConverter) LoadSourceReference(ctx context.Context, speakerKey string) (Embedding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	argv := append([]string{}, c.cmd...)
	argv = append(argv, "--source-speaker", speakerKey, "--device", c.device)

	out, err := runCommand(ctx, argv)
	if err != nil {
		return nil, err
	}
	var resp sourceRefResult
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("decode source reference: %w", err)
	}
	embedding, err := base64.StdEncoding.DecodeString(resp.Embedding)
	if err != nil {
		return nil, fmt.Errorf("decode embedding payload: %w", err)
	}
	return Embedding(embedding), nil
}

func (c *execConverter) Convert(ctx context.Context, inputPath string, source, target Embedding, outputPath, watermark string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sourceFile, err := writeTempEmbedding(source)
	if err != nil {
		return err
	}
	defer os.Remove(sourceFile)
	targetFile, err := writeTempEmbedding(target)
	if err != nil {
		return err
	}
	defer os.Remove(targetFile)

	argv := append([]string{}, c.cmd...)
	argv = append(argv,
		"--input", inputPath,
		"--source-se", sourceFile,
		"--target-se", targetFile,
		"--output", outputPath,
		"--message", watermark,
		"--device", c.device,
	)
	_, err = runCommand(ctx, argv)
	return err
}

func writeTempEmbedding(embedding Embedding) (string, error) {
	file, err := os.CreateTemp("", "timbre_se_*.bin")
	if err != nil {
		return "", fmt.Errorf("temp embedding file: %w", err)
	}
	if _, err := file.Write(embedding); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("write temp embedding: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("close temp embedding: %w", err)
	}
	return file.Name(), nil
}
