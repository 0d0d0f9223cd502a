// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package engines

// a function that creates an engine from a configuration
type NewEngineFunc func(config EngineConfig) (Engine, error)

// registered engine providers, by name
var providers = make(map[string]NewEngineFunc)

// Registers an engine provider under the given name so workers can
// instantiate it by configuration.
func RegisterEngineProvider(name string, newEngineFunc NewEngineFunc) error {
	if _, found := providers[name]; found {
		return &AlreadyRegisteredError{Engine: name}
	}
	providers[name] = newEngineFunc
	return nil
}

// Creates an engine of the named registered provider with the given
// configuration.
func NewEngine(name string, config EngineConfig) (Engine, error) {
	newEngineFunc, found := providers[name]
	if !found {
		return nil, &NotFoundError{Engine: name}
	}
	return newEngineFunc(config)
}
