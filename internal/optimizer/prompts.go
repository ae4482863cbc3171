package optimizer

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mohammad-safakhou/newsfinder/internal/analysis"
)

const analysisPromptKey = "analysis_prompt"

// LoadPrompt reads the active analysis prompt from a YAML prompt file. A
// missing file or missing key falls back to the built-in default, so a fresh
// checkout works without any prompt file.
func LoadPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return analysis.DefaultAnalysisPrompt, nil
	}
	if err != nil {
		return "", fmt.Errorf("read prompts file: %w", err)
	}
	var prompts map[string]string
	if err := yaml.Unmarshal(data, &prompts); err != nil {
		return "", fmt.Errorf("parse prompts file: %w", err)
	}
	if p, ok := prompts[analysisPromptKey]; ok && p != "" {
		return p, nil
	}
	return analysis.DefaultAnalysisPrompt, nil
}

// SavePrompt writes the analysis prompt back, preserving any other keys the
// file already carries.
func SavePrompt(path, prompt string) error {
	prompts := map[string]string{}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &prompts); err != nil {
			return fmt.Errorf("parse prompts file: %w", err)
		}
	}
	prompts[analysisPromptKey] = prompt
	out, err := yaml.Marshal(prompts)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, out, 0o644)
}
