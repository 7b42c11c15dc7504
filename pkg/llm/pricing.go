// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package llm

// Model ids per tier.
const (
	ModelHaiku  = "claude-haiku-4-5"
	ModelSonnet = "claude-sonnet-4-6"
	ModelOpus   = "claude-opus-4-1"
)

// tierPricing is USD per million tokens.
type tierPricing struct {
	input  float64
	output float64
}

var pricing = map[string]tierPricing{
	ModelHaiku:  {input: 1.0, output: 5.0},
	ModelSonnet: {input: 3.0, output: 15.0},
	ModelOpus:   {input: 15.0, output: 75.0},
}

// ModelForTier maps a registry model tier to a model id. Unknown tiers fall
// back to sonnet.
func ModelForTier(tier string) string {
	switch tier {
	case "haiku":
		return ModelHaiku
	case "opus":
		return ModelOpus
	default:
		return ModelSonnet
	}
}

// CostUSD estimates the cost of a call. Unknown models are priced at the
// sonnet rate.
func CostUSD(model string, inputTokens, outputTokens int) float64 {
	p, ok := pricing[model]
	if !ok {
		p = pricing[ModelSonnet]
	}
	return float64(inputTokens)*p.input/1_000_000 + float64(outputTokens)*p.output/1_000_000
}
