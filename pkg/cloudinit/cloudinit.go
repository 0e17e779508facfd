// Copyright 2025 Alexandre Mahdhaoui
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

// Package cloudinit renders the minimal cloud-config seed attached to a
// cloned test instance. The seed provisions the remote test user with the
// caller's public key and sets the instance name as hostname; base images
// that ship their own provisioning boot without a seed.
package cloudinit

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo"`
	Shell             string   `json:"shell"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys"`
}

// NewUser returns a passwordless-sudo user holding the public keys read
// from the given paths.
func NewUser(name string, publicKeyPathList ...string) (User, error) {
	authorizedKeys := make([]string, 0, len(publicKeyPathList))
	for _, path := range publicKeyPathList {
		b, err := os.ReadFile(path)
		if err != nil {
			return User{}, fmt.Errorf("reading public key %s: %w", path, err)
		}
		authorizedKeys = append(authorizedKeys, strings.TrimSpace(string(b)))
	}
	return NewUserWithAuthorizedKeys(name, authorizedKeys), nil
}

func NewUserWithAuthorizedKeys(name string, authorizedKeys []string) User {
	return User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		SSHAuthorizedKeys: authorizedKeys,
	}
}

type UserData struct {
	Hostname    string   `json:"hostname"`
	Users       []User   `json:"users"`
	RunCommands []string `json:"runcmd,omitempty"`
}

// NewSeed builds the user-data for one test instance.
func NewSeed(hostname string, user User) UserData {
	return UserData{
		Hostname: hostname,
		Users:    []User{user},
	}
}

// Render serializes the user-data as a #cloud-config document.
func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("cannot render cloud-config from UserData: %w", err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}
