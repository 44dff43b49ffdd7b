// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package router

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Opcode identifies one request/response pair from spec.md §6's
// catalog.
type Opcode string

const (
	OpRegister      Opcode = "REGISTER"
	OpAuth          Opcode = "AUTH"
	OpEmailCode     Opcode = "EMAIL_CODE"
	OpPasswordReset Opcode = "PASSWORD_RESET"
	OpGetRecovery   Opcode = "GET_RECOVERY_DATA"

	OpFileList         Opcode = "FILE_LIST"
	OpFileUploadStart  Opcode = "FILE_UPLOAD_START"
	OpFileUploadData   Opcode = "FILE_UPLOAD_DATA"
	OpFileUploadEnd    Opcode = "FILE_UPLOAD_END"
	OpFileUploadCancel Opcode = "FILE_UPLOAD_CANCEL"
	OpFileDownloadReq  Opcode = "FILE_DOWNLOAD_REQUEST"
	OpFileDownloadData Opcode = "FILE_DOWNLOAD_DATA"
	OpFileDelete       Opcode = "FILE_DELETE"
	OpFileRename       Opcode = "FILE_RENAME"
	OpFolderCreate     Opcode = "FOLDER_CREATE"

	OpGroupCreate  Opcode = "GROUP_CREATE"
	OpGroupList    Opcode = "GROUP_LIST"
	OpGroupInvite  Opcode = "GROUP_INVITE"
	OpGroupJoin    Opcode = "GROUP_JOIN"
	OpGroupLeave   Opcode = "GROUP_LEAVE"
	OpGroupKey     Opcode = "GROUP_KEY"
	OpGroupMembers Opcode = "GROUP_MEMBERS"

	OpUserPublicKey     Opcode = "USER_PUBLIC_KEY"
	OpNotificationCount Opcode = "NOTIFICATION_COUNT"
	OpNotificationRead  Opcode = "NOTIFICATION_READ"
	OpHeartbeat         Opcode = "HEARTBEAT"
	OpError             Opcode = "ERROR"
)

// maxOpcodeLen bounds the opcode-length prefix so a corrupted value
// cannot be used to read past the payload.
const maxOpcodeLen = 64

// EncodeEnvelope serializes an opcode and its payload (a JSON object
// for every opcode except FILE_UPLOAD_DATA, which carries raw bytes)
// into the plaintext body of one wire.TypeData frame.
func EncodeEnvelope(opcode Opcode, payload []byte) []byte {
	op := []byte(opcode)
	buf := make([]byte, 2+len(op)+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(op)))
	copy(buf[2:], op)
	copy(buf[2+len(op):], payload)
	return buf
}

// Envelope is one decoded request or response.
type Envelope struct {
	Opcode  Opcode
	Payload []byte
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("router: envelope shorter than opcode length prefix")
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if n > maxOpcodeLen || len(data) < 2+n {
		return nil, fmt.Errorf("router: malformed envelope opcode length")
	}
	return &Envelope{Opcode: Opcode(data[2 : 2+n]), Payload: data[2+n:]}, nil
}

func hexDecode(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
