package vm

import "os"

// defaultUserData is the cloud-init document used when neither the caller
// nor a template supplies one. Variables are substituted at scheduling time.
const defaultUserData = `#cloud-config
hostname: ${hostname}
ssh_pwauth: true
users:
  - name: stratomesh
    sudo: ALL=(ALL) NOPASSWD:ALL
    shell: /bin/bash
    lock_passwd: false
    ssh_authorized_keys:
      - ${ssh_public_key}
chpasswd:
  expire: false
  users:
    - name: stratomesh
      password: ${password}
      type: text
runcmd:
  - touch /var/lib/cloud/instance/boot-finished
`

// RenderUserData substitutes ${var} references in a cloud-init document.
// Unknown variables render as empty strings so partial templates stay valid
// YAML.
func RenderUserData(doc string, vars map[string]string) string {
	return os.Expand(doc, func(key string) string {
		return vars[key]
	})
}
