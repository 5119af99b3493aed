package main

import (
	"os"

	"github.com/dshills/nodegraph-go/graph/model"
	"github.com/dshills/nodegraph-go/graph/model/anthropic"
	"github.com/dshills/nodegraph-go/graph/model/google"
	"github.com/dshills/nodegraph-go/graph/model/openai"
)

func providers() *model.Providers {
	return providersFrom(os.Getenv)
}

// providersFrom registers "mock" always and each hosted provider whose API
// key is present in the environment.
func providersFrom(getenv func(string) string) *model.Providers {
	p := model.NewProviders()
	p.Register("mock", func(name string) (model.ChatModel, error) {
		return model.EchoModel{Name: name}, nil
	})
	if key := getenv("ANTHROPIC_API_KEY"); key != "" {
		p.Register("anthropic", func(name string) (model.ChatModel, error) {
			return anthropic.NewChatModel(key, name), nil
		})
	}
	if key := getenv("OPENAI_API_KEY"); key != "" {
		p.Register("openai", func(name string) (model.ChatModel, error) {
			return openai.NewChatModel(key, name), nil
		})
	}
	if key := getenv("GOOGLE_API_KEY"); key != "" {
		p.Register("google", func(name string) (model.ChatModel, error) {
			return google.NewChatModel(key, name), nil
		})
	}
	return p
}
