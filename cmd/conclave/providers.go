package main

// Backend adapters register themselves with the backend registry in init().
import (
	_ "github.com/Strob0t/conclave/internal/adapter/litellm"
	_ "github.com/Strob0t/conclave/internal/adapter/ollama"
)
